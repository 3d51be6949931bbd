package lwm2m

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/keygen"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
)

// SecurityConfig names the credential sources of an endpoint
type SecurityConfig struct {
	Modes []modes.SecurityMode

	// X.509
	CertFile string
	KeyFile  string
	CAFile   string

	// KeyStore is a key manifest providing the PSK and trusted raw public keys
	KeyStore string
}

// Security holds the credentials an endpoint was armed with.
// The engine consults it during the DTLS handshake.
type Security struct {
	Modes []modes.SecurityMode

	TLS *tls.Config

	// PSKs maps PSK identity to key
	PSKs map[string][]byte

	// TrustedKeys lists DER SubjectPublicKeyInfo keys accepted for RPK
	TrustedKeys [][]byte
}

// Allows reports whether sessions in mode m are accepted
func (s *Security) Allows(m modes.SecurityMode) bool {
	return slices.Contains(s.Modes, m)
}

// LookupPSK returns the key for a PSK identity
func (s *Security) LookupPSK(identity string) ([]byte, bool) {
	key, ok := s.PSKs[identity]
	return key, ok
}

// LoadSecurity loads the credentials required by cfg.Modes
func LoadSecurity(cfg SecurityConfig) (*Security, error) {
	if len(cfg.Modes) == 0 {
		return nil, fmt.Errorf("no security modes configured")
	}
	for _, m := range cfg.Modes {
		if !m.IsValid() {
			return nil, fmt.Errorf("invalid security mode %q", m)
		}
	}

	sec := &Security{
		Modes: slices.Clone(cfg.Modes),
		PSKs:  map[string][]byte{},
	}

	if sec.Allows(modes.SecurityModeX509) {
		tlsConfig, err := LoadTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
		if err != nil {
			return nil, err
		}
		sec.TLS = tlsConfig
	}

	if (sec.Allows(modes.SecurityModePSK) || sec.Allows(modes.SecurityModeRPK)) && cfg.KeyStore != "" {
		manifest, err := keygen.LoadManifest(cfg.KeyStore)
		if err != nil {
			return nil, err
		}

		if sec.Allows(modes.SecurityModePSK) {
			key, err := manifest.PSKKey()
			if err != nil {
				return nil, err
			}
			sec.PSKs[manifest.PSK.Identity] = key
		}
		if sec.Allows(modes.SecurityModeRPK) {
			keys, err := manifest.TrustedKeys()
			if err != nil {
				return nil, err
			}
			sec.TrustedKeys = keys
		}
	}

	return sec, nil
}

// LoadTLSConfig builds a server TLS config requiring client certificates
// signed by the CA in caFile.
func LoadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("x509 security requires cert_file and key_file")
	}
	if caFile == "" {
		return nil, fmt.Errorf("x509 security requires ca_file for client verification")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	caData, err := os.ReadFile(caFile) // #nosec G304 -- CA file path from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificates from %s", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
