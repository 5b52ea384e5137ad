// Package credentials keeps the DHIS2 password in the OS keychain so it
// does not have to live in the environment or a .env file.
package credentials

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keystoreService = "dhis2submit"

// ErrNotFound is returned when no password is stored for a user
var ErrNotFound = errors.New("no password stored in keychain")

// key scopes an entry to one DHIS2 instance and user
func key(baseURL, username string) string {
	if baseURL == "" {
		return username
	}
	return username + "@" + baseURL
}

// Get loads the stored password for username on baseURL
func Get(baseURL, username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username is required")
	}
	password, err := keyring.Get(keystoreService, key(baseURL, username))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read keychain: %w", err)
	}
	return password, nil
}

// Set stores password for username on baseURL
func Set(baseURL, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	if err := keyring.Set(keystoreService, key(baseURL, username), password); err != nil {
		return fmt.Errorf("failed to store password in keychain: %w", err)
	}
	return nil
}

// Delete removes the stored password
func Delete(baseURL, username string) error {
	if err := keyring.Delete(keystoreService, key(baseURL, username)); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete password from keychain: %w", err)
	}
	return nil
}

// IsStored checks if a password exists in the keychain
func IsStored(baseURL, username string) bool {
	_, err := Get(baseURL, username)
	return err == nil
}
