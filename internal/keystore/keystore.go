// Package keystore stores per-user signing keys encrypted at rest with
// PBKDF2-derived AES-256-GCM. The unlock retry job decrypts a key on
// demand to re-submit a failed unlock transaction on the user's behalf.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

var ErrKeyNotFound = errors.New("keystore: no key for address")

// encryptedKeyJSON is the on-disk format for an encrypted private key.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store resolves user addresses to decrypted signing keys. One JSON blob
// per address lives under dir; all blobs share the store password.
type Store struct {
	dir      string
	password string
}

// NewStore opens a keystore directory.
func NewStore(dir, password string) (*Store, error) {
	if password == "" {
		return nil, errors.New("keystore: password must not be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("keystore: %s is not a directory", dir)
	}
	return &Store{dir: dir, password: password}, nil
}

func (s *Store) path(address string) string {
	return filepath.Join(s.dir, strings.ToLower(address)+".json")
}

// PrivateKey loads and decrypts the signing key for an address.
func (s *Store) PrivateKey(address string) (*ecdsa.PrivateKey, error) {
	blob, err := os.ReadFile(s.path(address))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	keyHex, err := Decrypt(blob, s.password)
	if err != nil {
		return nil, err
	}
	return crypto.HexToECDSA(keyHex)
}

// Save encrypts and writes a key for an address, replacing any existing blob.
func (s *Store) Save(address, privateKeyHex string) error {
	blob, err := Encrypt(privateKeyHex, s.password)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(address), blob, 0600)
}

// Encrypt encrypts a hex-encoded private key with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated
// encryption, returning the JSON blob written to disk.
func Encrypt(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("keystore: password must not be empty")
	}

	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("keystore: expected 32-byte key, got %d bytes", len(keyBytes))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generating salt: %w", err)
	}
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, keyBytes, nil)

	out := encryptedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Decrypt reverses Encrypt, returning the hex-encoded private key
// (without 0x prefix).
func Decrypt(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("keystore: password must not be empty")
	}

	var stored encryptedKeyJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return "", fmt.Errorf("keystore: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("keystore: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("keystore: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("keystore: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("keystore: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("keystore: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("keystore: creating GCM: %w", err)
	}

	keyBytes, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("keystore: decryption failed (wrong password or corrupted blob)")
	}
	return hex.EncodeToString(keyBytes), nil
}
