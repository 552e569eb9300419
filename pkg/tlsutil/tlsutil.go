// Package tlsutil builds TLS client configurations from file paths.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// ClientConfig describes TLS for an outbound connection. CAFiles are
// trusted in addition to the system pool.
type ClientConfig struct {
	CertFile           string
	KeyFile            string
	CAFiles            []string
	MinVersion         string
	InsecureSkipVerify bool
}

// Enabled reports whether any TLS setting is present.
func (c ClientConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || len(c.CAFiles) > 0 || c.MinVersion != "" || c.InsecureSkipVerify
}

// LoadClientConfig returns a tls.Config for cfg, or nil when cfg is empty.
// Unreadable or malformed files are fatal.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	version, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientConfig", "parse min version")
	}
	tlsConfig := &tls.Config{MinVersion: version}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "read CA file "+caFile)
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: no certificates in %s", errors.ErrInvalidData, caFile),
				"tlsutil", "LoadClientConfig", "parse CA file")
		}
	}
	tlsConfig.RootCAs = rootCAs

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: client certificate and key must be set together", errors.ErrInvalidConfig),
			"tlsutil", "LoadClientConfig", "check client certificate")
	}

	// test and lab deployments only
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return tlsConfig, nil
}

// ParseVersion maps "1.2" and "1.3" to their crypto/tls constants. An empty
// string selects TLS 1.2.
func ParseVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: unsupported TLS version %q", errors.ErrInvalidConfig, version)
	}
}
