// Package tlsutil provides TLS configuration utilities for the feed's
// client connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/AdamNotts/planefinder-kml/errors"
)

// ClientConfig describes the TLS settings for an outbound connection.
type ClientConfig struct {
	// MinVersion is the minimum accepted TLS version ("1.2" or "1.3").
	// Empty defaults to 1.2.
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	// CAFiles lists additional trusted CA certificates (PEM). The system
	// pool is always used first.
	CAFiles []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	// InsecureSkipVerify disables certificate verification. Setting this is
	// an explicit operator decision.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// LoadClientTLSConfig creates a tls.Config for outbound connections.
// The system CA bundle is always trusted; CAFiles are additional CAs.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		// System pool unavailable; start from an empty pool.
		rootCAs = x509.NewCertPool()
	}

	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}

	tlsConfig.RootCAs = rootCAs

	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// parseTLSVersion maps a config string to the crypto/tls constant,
// defaulting to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2", "":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
