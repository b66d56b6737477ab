package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mail-intake"

const (
	keyringPrefix = "keyring:"
	envPrefix     = "env:"
)

// keyringGet is swapped out in tests.
var keyringGet = getFromKeyring

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mail-intake/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mail-intake-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func getFromKeyring(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// StoreSecret saves value under key in the system keyring.
func StoreSecret(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// ResolveSecret expands "keyring:<key>" and "env:<NAME>" references.
// Any other value is returned unchanged.
func ResolveSecret(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, keyringPrefix):
		return keyringGet(strings.TrimPrefix(value, keyringPrefix))
	case strings.HasPrefix(value, envPrefix):
		name := strings.TrimPrefix(value, envPrefix)
		secret, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return secret, nil
	default:
		return value, nil
	}
}
