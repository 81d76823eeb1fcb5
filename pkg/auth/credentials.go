package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential is one access id / secret pair
type Credential struct {
	AccessID string `yaml:"access_id"`
	Secret   string `yaml:"secret"`
}

// Store maps roles to credentials loaded from a YAML file
type Store struct {
	creds map[string]Credential
}

// LoadStore reads a credentials file of the form:
//
//	classifier:
//	  access_id: abc
//	  secret: s3cret
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from config
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	creds := map[string]Credential{}
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	for role, c := range creds {
		if c.AccessID == "" || c.Secret == "" {
			return nil, fmt.Errorf("credentials for role %q incomplete", role)
		}
	}

	return &Store{creds: creds}, nil
}

// Get returns the credential for a role
func (s *Store) Get(role string) (Credential, bool) {
	if s == nil {
		return Credential{}, false
	}
	c, ok := s.creds[role]
	return c, ok
}
