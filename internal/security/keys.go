package security

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Key handling errors.
var (
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

const (
	// MinSecretSize is the shortest accepted master secret.
	MinSecretSize = 16
	// DefaultSecretSize is the size of generated master secrets.
	DefaultSecretSize = 32
	// LedgerKeySize is the size of the derived ledger HMAC key.
	LedgerKeySize = 32

	// PermSecretFile is the mode of files holding secrets.
	PermSecretFile os.FileMode = 0600

	ledgerKeyInfo = "geoattest:ledger-hmac"
	maxSecretFile = 4096
)

// GenerateSecret returns size random bytes.
func GenerateSecret(size int) ([]byte, error) {
	if size < MinSecretSize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinSecretSize)
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return secret, nil
}

// ValidateKeyStrength rejects short, all-zero and single-byte-pattern keys.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinSecretSize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinSecretSize)
	}
	first := key[0]
	for _, b := range key[1:] {
		if b != first {
			return nil
		}
	}
	if first == 0 {
		return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
	}
	return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
}

// DeriveKey derives keySize bytes from masterKey using HKDF-SHA256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if err := ValidateKeyStrength(masterKey); err != nil {
		return nil, err
	}
	if keySize < MinSecretSize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinSecretSize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// LedgerKey derives the violation ledger HMAC key from the configured
// master secret.
func LedgerKey(secret []byte) ([]byte, error) {
	return DeriveKey(secret, nil, []byte(ledgerKeyInfo), LedgerKeySize)
}

// ReadSecretFile reads a secret that must not be readable by group or other.
// Trailing whitespace is removed.
func ReadSecretFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, clean, mode, PermSecretFile)
		}
	}
	if info.Size() > maxSecretFile {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSecretFile)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(data), " \t\r\n")), nil
}

// WriteSecretFile atomically writes data with PermSecretFile.
func WriteSecretFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(PermSecretFile); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
