package security

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainService is the service name used for storing passwords in the keychain
	KeychainService = "ctrlproxy"

	// keychainPrefix marks a configured password that lives in the keychain
	keychainPrefix = "keyring:"
)

// Keychain provides secure password storage using OS keychain
type Keychain struct {
	service string
}

// NewKeychain creates a new keychain instance
func NewKeychain() *Keychain {
	return &Keychain{service: KeychainService}
}

// StorePassword stores a password in the OS keychain. The account is
// usually a network name, or "network/sasl" for SASL credentials.
func (k *Keychain) StorePassword(account string, password string) error {
	if password == "" {
		// Empty password, delete instead
		return k.DeletePassword(account)
	}
	if err := keyring.Set(k.service, account, password); err != nil {
		return fmt.Errorf("failed to store password in keychain: %w", err)
	}
	return nil
}

// GetPassword retrieves a password from the OS keychain. A missing entry is
// an empty password, not an error.
func (k *Keychain) GetPassword(account string) (string, error) {
	password, err := keyring.Get(k.service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get password from keychain: %w", err)
	}
	return password, nil
}

// DeletePassword removes a password from the OS keychain
func (k *Keychain) DeletePassword(account string) error {
	err := keyring.Delete(k.service, account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete password from keychain: %w", err)
	}
	return nil
}

// Resolve turns a configured password into the real one. Values of the form
// "keyring:account" are looked up in the keychain; anything else is
// returned unchanged.
func (k *Keychain) Resolve(value string) (string, error) {
	account, ok := strings.CutPrefix(value, keychainPrefix)
	if !ok {
		return value, nil
	}
	if account == "" {
		return "", fmt.Errorf("keychain reference %q names no account", value)
	}
	return k.GetPassword(account)
}
