package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf("required field '%s' is missing", field)}
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// TLSConfig enables TLS on the data listener.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file,omitempty"`
	MinVersion   string `yaml:"min_version,omitempty"`
}

// Validate checks the TLS section without touching the filesystem.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return missing("cert_file").WithSuggestion("Provide a path to a PEM encoded certificate")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return missing("key_file").WithSuggestion("Provide a path to the PEM encoded private key")
	}
	if c.MinVersion != "" {
		if _, ok := tlsVersions[strings.TrimSpace(c.MinVersion)]; !ok {
			return (&ConfigError{Field: "min_version", Value: c.MinVersion, Reason: "unsupported TLS version"}).
				WithSuggestion("Use 1.2 or 1.3")
		}
	}
	return nil
}

// Build loads the key pair and returns the server TLS configuration. A nil
// result with a nil error means TLS is disabled.
func (c *TLSConfig) Build() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if v, ok := tlsVersions[strings.TrimSpace(c.MinVersion)]; ok {
		out.MinVersion = v
	}

	if c.ClientCAFile != "" {
		//nolint:gosec // path is controlled by the operator
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA %s contains no certificates", c.ClientCAFile)
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}
