package testutil

import (
	"time"

	"mailship/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// NewJWTTestHelperWithSecret creates a new JWT test helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{
		Secret: secret,
	}
}

// GenerateValidJWT generates a valid access token for testing
func (h *JWTTestHelper) GenerateValidJWT(userID, walletAddress, walletType string) (string, error) {
	return auth.GenerateJWT(userID, walletAddress, walletType, h.Secret)
}

// GenerateExpiredJWT generates an expired access token for testing
func (h *JWTTestHelper) GenerateExpiredJWT(userID, walletAddress, walletType string) (string, error) {
	claims := &auth.Claims{
		UserID:        userID,
		WalletAddress: walletAddress,
		WalletType:    walletType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)), // Expired 1 hour ago
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)), // Issued 2 hours ago
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateJWTWithCustomExpiry generates an access token with custom expiry time
func (h *JWTTestHelper) GenerateJWTWithCustomExpiry(userID, walletAddress, walletType string, expiresAt time.Time) (string, error) {
	claims := &auth.Claims{
		UserID:        userID,
		WalletAddress: walletAddress,
		WalletType:    walletType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateMalformedJWT generates a malformed token for testing error scenarios
func (h *JWTTestHelper) GenerateMalformedJWT() string {
	return "invalid.jwt.token.format"
}

// GenerateJWTWithWrongSecret generates a token signed with the wrong secret
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(userID, walletAddress, walletType string) (string, error) {
	wrongSecret := []byte("wrong-secret")
	return auth.GenerateJWT(userID, walletAddress, walletType, wrongSecret)
}

// GenerateJWTWithNoneAlgorithm generates a token with "none" algorithm (security vulnerability test)
func (h *JWTTestHelper) GenerateJWTWithNoneAlgorithm(userID, walletAddress, walletType string) (string, error) {
	claims := &auth.Claims{
		UserID:        userID,
		WalletAddress: walletAddress,
		WalletType:    walletType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	return token.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

// ValidateJWT validates a token using the test helper's secret
func (h *JWTTestHelper) ValidateJWT(tokenString string) (*auth.Claims, error) {
	return auth.ValidateJWT(tokenString, h.Secret)
}

// TestWallet represents a test wallet identity for token generation
type TestWallet struct {
	UserID     string
	Address    string
	WalletType string
}

// DefaultTestWallet returns a MetaMask-style test wallet
func DefaultTestWallet() TestWallet {
	return TestWallet{
		UserID:     "user-742d35cc",
		Address:    "0x742d35Cc6634C0532925a3b8D404fddF6fE7d396",
		WalletType: "metamask",
	}
}

// HederaTestWallet returns a HashPack-style test wallet
func HederaTestWallet() TestWallet {
	return TestWallet{
		UserID:     "user-hedera-01",
		Address:    "0x00000000000000000000000000000000000004D2",
		WalletType: "hashpack",
	}
}

// GenerateJWT generates an access token for the test wallet
func (w TestWallet) GenerateJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateValidJWT(w.UserID, w.Address, w.WalletType)
}

// GenerateExpiredJWT generates an expired access token for the test wallet
func (w TestWallet) GenerateExpiredJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateExpiredJWT(w.UserID, w.Address, w.WalletType)
}
