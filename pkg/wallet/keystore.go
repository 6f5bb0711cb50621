package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/scrypt"

	"mailship/pkg/auth"
)

// ErrInvalidPassphrase is returned when a keystore cannot be decrypted
// with the supplied passphrase.
var ErrInvalidPassphrase = errors.New("invalid keystore passphrase")

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// keystoreFile is the on-disk envelope for an encrypted secp256k1 key.
// All binary fields are hex encoded.
type keystoreFile struct {
	Address      string `json:"address"`
	EncryptedKey string `json:"encrypted_key"`
	Salt         string `json:"salt"`
	Nonce        string `json:"nonce"`
	CreatedAt    string `json:"created_at"`
}

// CreateKeystore generates a fresh secp256k1 key, encrypts it under the
// passphrase and writes it to path. Returns the key's EVM address.
func CreateKeystore(path, passphrase string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("keystore already exists at %s", path)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	address := auth.PubKeyToEthAddress(priv.PubKey())

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	encrypted := gcm.Seal(nil, nonce, priv.Serialize(), nil)

	ks := keystoreFile{
		Address:      address,
		EncryptedKey: hex.EncodeToString(encrypted),
		Salt:         hex.EncodeToString(salt),
		Nonce:        hex.EncodeToString(nonce),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal keystore: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("failed to create keystore directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write keystore: %w", err)
	}

	return address, nil
}

// LoadKeystore decrypts the keystore at path and returns the private key
// and its EVM address. A wrong passphrase fails GCM authentication and is
// reported as ErrInvalidPassphrase.
func LoadKeystore(path, passphrase string) (*btcec.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read keystore: %w", err)
	}

	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, "", fmt.Errorf("malformed keystore file: %w", err)
	}

	encrypted, err := hex.DecodeString(ks.EncryptedKey)
	if err != nil {
		return nil, "", fmt.Errorf("malformed encrypted key: %w", err)
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, "", fmt.Errorf("malformed salt: %w", err)
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, "", fmt.Errorf("malformed nonce: %w", err)
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, "", fmt.Errorf("malformed nonce: unexpected size %d", len(nonce))
	}

	keyBytes, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, "", ErrInvalidPassphrase
	}

	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	address := auth.PubKeyToEthAddress(priv.PubKey())

	return priv, address, nil
}
