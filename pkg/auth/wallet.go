package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ChallengeTTL is how long a signed challenge message stays valid.
const ChallengeTTL = 10 * time.Minute

// WalletMessage represents a signed message for authentication
type WalletMessage struct {
	// Wallet address (0x prefixed hex)
	Address string
	// Message that was signed
	Message string
	// Signature in hex format (0x prefixed, 65 bytes: R|S|V)
	Signature string
}

// VerifyWalletAuth verifies a wallet authentication attempt.
// Uses EIP-191 personal_sign format.
func VerifyWalletAuth(msg WalletMessage) (bool, error) {
	// Normalize address
	normalizedAddr, err := NormalizeEthAddress(msg.Address)
	if err != nil {
		return false, fmt.Errorf("invalid address format: %w", err)
	}

	// Verify the message hasn't expired
	if err := ValidateChallengeTimestamp(msg.Message); err != nil {
		return false, err
	}

	// Verify signature
	return VerifyEthSignature(normalizedAddr, msg.Message, msg.Signature)
}

// GenerateChallengeMessage creates the human-readable message a wallet signs
// to authenticate. The nonce binds the message to (address, timestamp).
// Format:
//
//	Sign this message to authenticate with Mailship
//	Address: {address}
//	Timestamp: {unix}
//	Nonce: {nonce}
func GenerateChallengeMessage(address string, timestamp int64, nonce string) string {
	return fmt.Sprintf("Sign this message to authenticate with Mailship\nAddress: %s\nTimestamp: %d\nNonce: %s",
		address, timestamp, nonce)
}

// ChallengeNonce derives the challenge nonce for (address, timestamp):
// the first 16 hex characters of sha256(address || timestamp).
func ChallengeNonce(address string, timestamp int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%d", address, timestamp)))
	return hex.EncodeToString(sum[:])[:16]
}

// ValidateChallengeTimestamp checks the "Timestamp:" line of a challenge
// message against ChallengeTTL, with a one minute tolerance for clock skew.
func ValidateChallengeTimestamp(message string) error {
	lines := strings.Split(message, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "Timestamp: ") {
			timestampStr := strings.TrimPrefix(line, "Timestamp: ")
			unix, err := strconv.ParseInt(timestampStr, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid timestamp format: %w", err)
			}

			age := time.Since(time.Unix(unix, 0))
			if age < -1*time.Minute {
				return fmt.Errorf("message timestamp is in the future")
			}
			if age > ChallengeTTL {
				return fmt.Errorf("message timestamp expired (older than %s)", ChallengeTTL)
			}
			return nil
		}
	}
	return fmt.Errorf("message missing timestamp")
}

// VerifyEthSignature verifies an EIP-191 personal_sign signature
func VerifyEthSignature(address, message, signature string) (bool, error) {
	// Decode signature
	sig, err := decodeHexSignature(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sig) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// EIP-191: Hash the prefixed message
	hash := HashPersonalMessage(message)

	// Extract R, S, V from signature
	r := sig[0:32]
	s := sig[32:64]
	v := sig[64]

	// Transform V from 27/28 to 0/1 if needed
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return false, fmt.Errorf("invalid recovery id: %d", v)
	}

	// Recover public key
	pubKey, _, err := ecdsa.RecoverCompact(makeCompactSig(r, s, v), hash)
	if err != nil {
		return false, fmt.Errorf("failed to recover public key: %w", err)
	}

	// Derive Ethereum address from public key
	recoveredAddr := PubKeyToEthAddress(pubKey)

	// Compare addresses (case-insensitive)
	return strings.EqualFold(recoveredAddr, address), nil
}

// SignEthMessage signs a message in EIP-191 personal_sign format and returns
// a 0x-prefixed 65 byte R|S|V signature with V in 27/28, matching what
// injected wallets produce.
func SignEthMessage(priv *btcec.PrivateKey, message string) (string, error) {
	hash := HashPersonalMessage(message)

	compact := ecdsa.SignCompact(priv, hash, false)
	if len(compact) != 65 {
		return "", fmt.Errorf("unexpected compact signature length: %d", len(compact))
	}

	// SignCompact puts the header byte (27 + recovery id) first; wallets put
	// R|S first and the recovery id last.
	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0]

	return "0x" + hex.EncodeToString(sig), nil
}

// HashPersonalMessage computes the EIP-191 prefixed keccak256 digest of a message.
func HashPersonalMessage(message string) []byte {
	prefixedMessage := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return keccak256([]byte(prefixedMessage))
}

// makeCompactSig creates a compact signature for btcec recovery
// btcec expects: [V (1 byte, 27-30)] + [R (32 bytes)] + [S (32 bytes)]
func makeCompactSig(r, s []byte, v byte) []byte {
	// btcec uses 27 + recovery_id + (4 if compressed)
	// For uncompressed pubkey recovery: 27 + v
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:33], r)
	copy(compact[33:65], s)
	return compact
}

// PubKeyToEthAddress derives an Ethereum address from a secp256k1 public key
func PubKeyToEthAddress(pubKey *btcec.PublicKey) string {
	// Ethereum uses uncompressed pubkey without the 0x04 prefix
	uncompressed := pubKey.SerializeUncompressed()
	// Hash the pubkey (excluding the 0x04 prefix byte)
	hash := keccak256(uncompressed[1:])
	// Address is last 20 bytes of hash
	addr := hash[12:]
	return toChecksumAddress(hex.EncodeToString(addr))
}

// NormalizeEthAddress converts an Ethereum address to checksum format
func NormalizeEthAddress(address string) (string, error) {
	addr := strings.TrimPrefix(strings.ToLower(address), "0x")
	if len(addr) != 40 {
		return "", fmt.Errorf("ethereum address must be 40 hex characters")
	}
	if _, err := hex.DecodeString(addr); err != nil {
		return "", fmt.Errorf("invalid hex in address: %w", err)
	}
	return toChecksumAddress(addr), nil
}

// toChecksumAddress applies EIP-55 checksum to an address
func toChecksumAddress(addr string) string {
	addr = strings.ToLower(addr)
	hash := keccak256([]byte(addr))

	result := make([]byte, 42)
	result[0] = '0'
	result[1] = 'x'

	for i := 0; i < 40; i++ {
		c := addr[i]
		hashNibble := hash[i/2]
		if i%2 == 0 {
			hashNibble >>= 4
		}
		hashNibble &= 0x0f

		if hashNibble >= 8 && c >= 'a' && c <= 'f' {
			result[i+2] = c - 32 // uppercase
		} else {
			result[i+2] = c
		}
	}
	return string(result)
}

// keccak256 computes Keccak-256 hash
func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// decodeHexSignature decodes a hex-encoded signature
func decodeHexSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	sig = strings.TrimPrefix(sig, "0X")
	return hex.DecodeString(sig)
}
