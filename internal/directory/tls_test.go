package directory

import (
	"testing"

	"github.com/nsld/nsld/internal/config"
)

func TestBuildTLSConfigDefaultsToVerifying(t *testing.T) {
	tlsCfg, err := BuildTLSConfig(config.TLSConfig{})
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if tlsCfg.InsecureSkipVerify {
		t.Fatal("InsecureSkipVerify = true with no reqcert override, want false")
	}
	if tlsCfg.RootCAs != nil {
		t.Fatal("RootCAs should be nil (system pool) when no CA file/dir is configured")
	}
}

func TestBuildTLSConfigReqCertNever(t *testing.T) {
	tlsCfg, err := BuildTLSConfig(config.TLSConfig{ReqCert: "never"})
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if !tlsCfg.InsecureSkipVerify {
		t.Fatal("reqcert=never should set InsecureSkipVerify")
	}
}

func TestBuildTLSConfigMissingCertFileErrors(t *testing.T) {
	_, err := BuildTLSConfig(config.TLSConfig{Cert: "/nonexistent/cert.pem", Key: "/nonexistent/key.pem"})
	if err == nil {
		t.Fatal("expected an error loading a nonexistent client certificate")
	}
}

func TestBuildTLSConfigMissingCACertFileErrors(t *testing.T) {
	_, err := BuildTLSConfig(config.TLSConfig{CaCertFile: "/nonexistent/ca.pem"})
	if err == nil {
		t.Fatal("expected an error reading a nonexistent CA cert file")
	}
}
