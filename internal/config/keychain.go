package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
)

const (
	keychainService = appName
	apiTokenAccount = "api_token"
	apiTokenEnv     = "TOOLPREFS_API_TOKEN"
)

// Keychain is a minimal secret store keyed by service and account.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: the macOS Keychain via the
// security CLI, or a 0600 secrets.json in the data dir elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the management API. The
// TOOLPREFS_API_TOKEN environment variable wins; otherwise the token is read
// from kc and generated on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(apiTokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	tok := rand.Text()
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
