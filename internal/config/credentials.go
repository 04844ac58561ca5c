package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"leverage-worker/pkg/types"
)

// Credentials holds broker app keys for both environments plus account
// identity. Loaded from ~/.leverage_worker/credentials.yaml, never from
// trading_config.yaml, so the strategy config can be shared freely.
type Credentials struct {
	Paper struct {
		AppKey    string `yaml:"app_key"`
		AppSecret string `yaml:"app_secret"`
	} `yaml:"paper"`
	Live struct {
		AppKey    string `yaml:"app_key"`
		AppSecret string `yaml:"app_secret"`
	} `yaml:"live"`
	AccountNumber      string `yaml:"account_number"`
	AccountProductCode string `yaml:"account_product_code"`
	HTSID              string `yaml:"hts_id"`
}

// CredentialsPath returns the fixed credentials location under the home dir.
func CredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".leverage_worker", "credentials.yaml"), nil
}

// LoadCredentials reads and validates the credentials file for the given mode.
func LoadCredentials(path string, mode types.Mode) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	key, secret := creds.Keys(mode)
	if key == "" || secret == "" {
		return nil, fmt.Errorf("credentials: missing app_key/app_secret for mode %s", mode)
	}
	if creds.AccountNumber == "" {
		return nil, fmt.Errorf("credentials: account_number is required")
	}
	if creds.AccountProductCode == "" {
		creds.AccountProductCode = "01"
	}
	return &creds, nil
}

// Keys returns the app key pair for a mode.
func (c *Credentials) Keys(mode types.Mode) (appKey, appSecret string) {
	if mode == types.ModeLive {
		return c.Live.AppKey, c.Live.AppSecret
	}
	return c.Paper.AppKey, c.Paper.AppSecret
}
