// Package config – keyring.go resolves the bot token from secure storage.
//
// Priority:
//  1. TEMPVOX_TOKEN environment variable (also read from .env)
//  2. OS keyring (Linux: Secret Service, macOS: Keychain, Windows: Credential Manager)
//  3. config.yaml value (least secure — plaintext on disk)
package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "tempvox"

	// keyringToken is the key name for the bot token.
	keyringToken = "bot_token"
)

// StoreToken saves the bot token to the OS keyring.
func StoreToken(token string) error {
	return keyring.Set(keyringService, keyringToken, token)
}

// DeleteToken removes the bot token from the OS keyring.
func DeleteToken() error {
	return keyring.Delete(keyringService, keyringToken)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__tempvox_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveToken resolves the bot token using the priority chain and updates
// the config in place with the resolved value.
func ResolveToken(cfg *Config, logger *slog.Logger) string {
	if env := os.Getenv("TEMPVOX_TOKEN"); env != "" {
		cfg.Token = env
		return env
	}

	if val, err := keyring.Get(keyringService, keyringToken); err == nil && val != "" {
		logger.Debug("bot token resolved from OS keyring")
		cfg.Token = val
		return val
	}

	if cfg.Token != "" {
		logger.Warn("bot token loaded from config file; prefer TEMPVOX_TOKEN or the OS keyring")
	}
	return cfg.Token
}
