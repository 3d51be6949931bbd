package keygen

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk description of generated key material.
// It holds the PSK and public keys only; private keys live in PEM files.
type Manifest struct {
	GeneratedAt time.Time   `yaml:"generated_at"`
	PSK         PSKEntry    `yaml:"psk"`
	ServerRPK   PublicKey   `yaml:"server_rpk"`
	ClientRPK   PublicKey   `yaml:"client_rpk"`
	Certificate CertSummary `yaml:"certificate"`
}

type PSKEntry struct {
	Identity string `yaml:"identity"`
	Key      string `yaml:"key"` // hex
}

type PublicKey struct {
	X    string `yaml:"x"`
	Y    string `yaml:"y"`
	SPKI string `yaml:"spki"` // hex DER
}

type CertSummary struct {
	File     string    `yaml:"file"`
	NotAfter time.Time `yaml:"not_after"`
}

// PSKKey decodes the pre-shared key
func (m *Manifest) PSKKey() ([]byte, error) {
	key, err := hex.DecodeString(m.PSK.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid psk key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("psk key is empty")
	}
	return key, nil
}

// TrustedKeys returns the DER public keys accepted for RPK sessions
func (m *Manifest) TrustedKeys() ([][]byte, error) {
	if m.ClientRPK.SPKI == "" {
		return nil, nil
	}

	der, err := hex.DecodeString(m.ClientRPK.SPKI)
	if err != nil {
		return nil, fmt.Errorf("invalid client rpk: %w", err)
	}
	if _, err := x509.ParsePKIXPublicKey(der); err != nil {
		return nil, fmt.Errorf("invalid client rpk: %w", err)
	}
	return [][]byte{der}, nil
}

// Manifest builds the manifest describing m
func (m *Material) Manifest() (*Manifest, error) {
	server, err := publicKeyEntry(m.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to encode server key: %w", err)
	}
	client, err := publicKeyEntry(m.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client key: %w", err)
	}

	return &Manifest{
		GeneratedAt: time.Now().UTC(),
		PSK: PSKEntry{
			Identity: m.PSK.Identity,
			Key:      hex.EncodeToString(m.PSK.Key),
		},
		ServerRPK: server,
		ClientRPK: client,
		Certificate: CertSummary{
			File:     ServerCertFile,
			NotAfter: m.NotAfter,
		},
	}, nil
}

func publicKeyEntry(k KeyPair) (PublicKey, error) {
	spki, err := k.SubjectPublicKeyInfo()
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{X: k.PublicKeyX(), Y: k.PublicKeyY(), SPKI: hex.EncodeToString(spki)}, nil
}

// LoadManifest reads a manifest written by Generate
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read key manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse key manifest: %w", err)
	}
	if m.PSK.Identity == "" {
		return nil, fmt.Errorf("key manifest %s has no psk identity", path)
	}
	return &m, nil
}

func writeMaterial(dir string, m *Material, manifest *Manifest) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	if err := writePrivateKey(filepath.Join(dir, ServerKeyFile), m.Server); err != nil {
		return err
	}
	if err := writePrivateKey(filepath.Join(dir, ClientKeyFile), m.Client); err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.ServerCert})
	if err := os.WriteFile(filepath.Join(dir, ServerCertFile), certPEM, 0644); err != nil { // #nosec G306 -- public certificate
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode key manifest: %w", err)
	}
	// The manifest carries the PSK
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0600); err != nil {
		return fmt.Errorf("failed to write key manifest: %w", err)
	}
	return nil
}

func writePrivateKey(path string, k KeyPair) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
