package directory

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nsld/nsld/internal/config"
)

// BuildTLSConfig assembles a *tls.Config from the ssl/tls_* keywords:
// a client certificate/key pair if configured, a CA bundle from either
// a single file or every certificate under a directory, and
// verification relaxed only when tls_reqcert explicitly asks for it.
// Stdlib-only: crypto/tls and crypto/x509 are the only place a CA
// pool or certificate pair can come from, so there is no third-party
// library to ground this on.
func BuildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{}

	switch cfg.ReqCert {
	case "never", "allow":
		tlsCfg.InsecureSkipVerify = true
	}

	if cfg.Cert != "" || cfg.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("directory: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	pool, err := caPool(cfg.CaCertFile, cfg.CaCertDir)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// caPool builds a certificate pool from a single CA bundle file, every
// regular file in a CA directory, or returns nil to fall back to the
// system pool when neither is configured.
func caPool(file, dir string) (*x509.CertPool, error) {
	if file == "" && dir == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("directory: read ca cert file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("directory: no certificates found in %s", file)
		}
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("directory: read ca cert dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("directory: read ca cert %s: %w", entry.Name(), err)
			}
			pool.AppendCertsFromPEM(data)
		}
	}

	return pool, nil
}
