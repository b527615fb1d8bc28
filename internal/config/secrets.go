package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Secrets holds credentials that must not live in config.yml.
type Secrets struct {
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSSessionToken    string `yaml:"aws_session_token"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
}

// HasStaticCredentials reports whether an access key pair was supplied.
func (s *Secrets) HasStaticCredentials() bool {
	return s != nil && s.AWSAccessKeyID != "" && s.AWSSecretAccessKey != ""
}

// LoadSecrets reads a secrets YAML file. A missing file yields empty secrets
// so the object store falls back to ambient credentials.
func LoadSecrets(path string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Secrets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	s := &Secrets{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	return s, nil
}

// LoadSecretsFromEnv overlays the standard AWS variables onto s.
func LoadSecretsFromEnv(s *Secrets) {
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && s.AWSAccessKeyID == "" {
		s.AWSAccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && s.AWSSecretAccessKey == "" {
		s.AWSSecretAccessKey = v
	}
	if v := os.Getenv("AWS_SESSION_TOKEN"); v != "" && s.AWSSessionToken == "" {
		s.AWSSessionToken = v
	}
}
