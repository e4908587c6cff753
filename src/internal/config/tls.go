// FILE: lokiship/src/internal/config/tls.go
package config

import (
	"os"

	"lokiship/src/internal/core"
)

// TLSClientConfig configures the HTTPS side of the transport: an
// optional client identity for mutual TLS and an optional CA override
// for trusting the server.
type TLSClientConfig struct {
	Enabled bool `toml:"enabled"`

	// Client certificate for mTLS. Both must be set together.
	ClientCertFile string `toml:"client_cert_file"`
	ClientKeyFile  string `toml:"client_key_file"`

	// CA bundle used to verify the server instead of the system pool.
	ServerCAFile string `toml:"server_ca_file"`

	// ServerName overrides SNI / certificate verification name.
	ServerName string `toml:"server_name"`

	// Version constraints, e.g. "TLS1.2", "TLS1.3".
	MinVersion string `toml:"min_version"`
	MaxVersion string `toml:"max_version"`

	// Comma-separated cipher suite names.
	CipherSuites string `toml:"cipher_suites"`

	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

func (t *TLSClientConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return &core.ConfigError{Field: "tls", Reason: "client_cert_file and client_key_file must be provided together"}
	}
	for field, path := range map[string]string{
		"tls.client_cert_file": t.ClientCertFile,
		"tls.client_key_file":  t.ClientKeyFile,
		"tls.server_ca_file":   t.ServerCAFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return &core.ConfigError{Field: field, Reason: "file is not accessible: " + err.Error()}
		}
	}
	return nil
}
