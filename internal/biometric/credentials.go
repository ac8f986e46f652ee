package biometric

import (
	"errors"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// EnvMatcherToken overrides any stored matcher token.
	EnvMatcherToken = "GEOATTEST_MATCHER_TOKEN"

	// KeychainService is the OS keychain service name.
	KeychainService = "geoattest"
	keychainToken   = "matcher_token"
)

// Credentials authenticate against the face-match service.
type Credentials struct {
	Token  string
	Source string
}

// GetCredentials resolves the matcher token.
// Priority: configured value > environment variable > keychain.
func GetCredentials(configured string) (*Credentials, error) {
	if configured != "" {
		return &Credentials{Token: configured, Source: "config"}, nil
	}
	if token := os.Getenv(EnvMatcherToken); token != "" {
		return &Credentials{Token: token, Source: "env"}, nil
	}

	token, err := keyring.Get(KeychainService, keychainToken)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	if token == "" {
		return nil, ErrNoCredentials
	}
	return &Credentials{Token: token, Source: "keychain"}, nil
}

// SaveToken stores the matcher token in the keychain.
func SaveToken(token string) error {
	if token == "" {
		return errors.New("token is empty")
	}
	return keyring.Set(KeychainService, keychainToken, token)
}

// DeleteToken removes the stored token. A missing token is not an error.
func DeleteToken() error {
	err := keyring.Delete(KeychainService, keychainToken)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// HasToken reports whether a token is available without the configured value.
func HasToken() bool {
	_, err := GetCredentials("")
	return err == nil
}
