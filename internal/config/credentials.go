package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential describes one Telegram account used for collection.
// Each credential owns its own session storage and rate-limit budget.
type Credential struct {
	ID        string `yaml:"id"`
	Phone     string `yaml:"phone"`
	APIID     int    `yaml:"api_id"`
	APIHash   string `yaml:"api_hash"`
	SessionDB string `yaml:"session_db"`
}

// Validate checks that all required credential fields are set.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("credential: id is required")
	}
	if c.APIID == 0 || c.APIHash == "" {
		return fmt.Errorf("credential %s: api_id and api_hash are required", c.ID)
	}
	if c.SessionDB == "" {
		return fmt.Errorf("credential %s: session_db is required", c.ID)
	}
	return nil
}

type credentialsFile struct {
	Credentials []Credential `yaml:"credentials"`
}

// LoadCredentials reads the credentials list from a yaml file.
func LoadCredentials(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	if len(f.Credentials) == 0 {
		return nil, fmt.Errorf("credentials file %s: no credentials defined", path)
	}

	seen := make(map[string]bool, len(f.Credentials))
	for i := range f.Credentials {
		if err := f.Credentials[i].Validate(); err != nil {
			return nil, err
		}
		if seen[f.Credentials[i].ID] {
			return nil, fmt.Errorf("credentials file %s: duplicate id %s", path, f.Credentials[i].ID)
		}
		seen[f.Credentials[i].ID] = true
	}

	return f.Credentials, nil
}
