// Package keygen produces the key material used by the LwM2M endpoints.
//
// One run generates:
//  1. a PSK derived with HKDF-SHA256 from a random master secret
//  2. ECDSA P-256 raw public key pairs for the server and a client
//  3. a self-signed ECC certificate over the server key
//
// Private keys are written as PKCS#8 PEM files, public parts go into a YAML
// manifest that the PSK/RPK endpoint loads on start.
package keygen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultPSKIdentity  = "lwm2m-client"
	DefaultPSKKeyLength = 16
	DefaultCommonName   = "lwm2m-server"
	DefaultValidity     = 365 * 24 * time.Hour

	masterSecretLength = 32

	ServerKeyFile  = "server-key.pem"
	ClientKeyFile  = "client-key.pem"
	ServerCertFile = "server-cert.pem"
	ManifestFile   = "keys.yaml"
)

// Config holds key generation settings
type Config struct {
	Dir          string        `yaml:"dir" envconfig:"DIR"`
	PSKIdentity  string        `yaml:"psk_identity" envconfig:"PSK_IDENTITY"`
	PSKKeyLength int           `yaml:"psk_key_length" envconfig:"PSK_KEY_LENGTH"`
	CommonName   string        `yaml:"common_name" envconfig:"COMMON_NAME"`
	Validity     time.Duration `yaml:"validity" envconfig:"VALIDITY"`
}

func (c Config) withDefaults() Config {
	if c.PSKIdentity == "" {
		c.PSKIdentity = DefaultPSKIdentity
	}
	if c.PSKKeyLength <= 0 {
		c.PSKKeyLength = DefaultPSKKeyLength
	}
	if c.CommonName == "" {
		c.CommonName = DefaultCommonName
	}
	if c.Validity <= 0 {
		c.Validity = DefaultValidity
	}
	return c
}

// PSK is a pre-shared key and the identity a client presents for it
type PSK struct {
	Identity string
	Key      []byte
}

// KeyPair is an ECDSA P-256 key used as a raw public key
type KeyPair struct {
	Private *ecdsa.PrivateKey
}

// PublicKeyX returns the hex-encoded X coordinate
func (k KeyPair) PublicKeyX() string {
	return hex.EncodeToString(k.Private.PublicKey.X.FillBytes(make([]byte, 32)))
}

// PublicKeyY returns the hex-encoded Y coordinate
func (k KeyPair) PublicKeyY() string {
	return hex.EncodeToString(k.Private.PublicKey.Y.FillBytes(make([]byte, 32)))
}

// SubjectPublicKeyInfo returns the DER-encoded public key
func (k KeyPair) SubjectPublicKeyInfo() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
}

// Material is one complete set of generated keys
type Material struct {
	PSK        PSK
	Server     KeyPair
	Client     KeyPair
	ServerCert []byte // DER
	NotAfter   time.Time
}

// Generator creates key material and stores it under Config.Dir
type Generator struct {
	cfg    Config
	logger *zap.Logger
	rand   io.Reader
	now    func() time.Time
}

// NewGenerator creates a generator, filling unset config fields with defaults
func NewGenerator(cfg Config, logger *zap.Logger) *Generator {
	return &Generator{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("keygen"),
		rand:   rand.Reader,
		now:    time.Now,
	}
}

// Generate creates a fresh set of key material and writes it to disk
func (g *Generator) Generate() error {
	if g.cfg.Dir == "" {
		return fmt.Errorf("key output directory not configured")
	}

	m, err := g.GenerateMaterial()
	if err != nil {
		return err
	}

	manifest, err := m.Manifest()
	if err != nil {
		return err
	}

	if err := writeMaterial(g.cfg.Dir, m, manifest); err != nil {
		return err
	}

	g.logger.Info("Generated LwM2M key material",
		zap.String("dir", g.cfg.Dir),
		zap.String("psk_identity", manifest.PSK.Identity),
		zap.String("server_rpk_x", manifest.ServerRPK.X),
		zap.String("server_rpk_y", manifest.ServerRPK.Y),
		zap.String("client_rpk_x", manifest.ClientRPK.X),
		zap.String("client_rpk_y", manifest.ClientRPK.Y),
		zap.Time("cert_not_after", m.NotAfter))

	return nil
}

// GenerateMaterial creates key material in memory
func (g *Generator) GenerateMaterial() (*Material, error) {
	psk, err := g.derivePSK()
	if err != nil {
		return nil, err
	}

	server, err := ecdsa.GenerateKey(elliptic.P256(), g.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	client, err := ecdsa.GenerateKey(elliptic.P256(), g.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client key: %w", err)
	}

	notBefore := g.now().UTC()
	notAfter := notBefore.Add(g.cfg.Validity)

	cert, err := g.selfSign(server, notBefore, notAfter)
	if err != nil {
		return nil, err
	}

	return &Material{
		PSK:        psk,
		Server:     KeyPair{Private: server},
		Client:     KeyPair{Private: client},
		ServerCert: cert,
		NotAfter:   notAfter,
	}, nil
}

func (g *Generator) derivePSK() (PSK, error) {
	master := make([]byte, masterSecretLength)
	if _, err := io.ReadFull(g.rand, master); err != nil {
		return PSK{}, fmt.Errorf("failed to read master secret: %w", err)
	}

	key, err := DerivePSK(master, g.cfg.PSKIdentity, g.cfg.PSKKeyLength)
	if err != nil {
		return PSK{}, err
	}
	return PSK{Identity: g.cfg.PSKIdentity, Key: key}, nil
}

// DerivePSK expands a master secret into a PSK bound to identity
func DerivePSK(master []byte, identity string, length int) ([]byte, error) {
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(identity)), key); err != nil {
		return nil, fmt.Errorf("failed to derive psk: %w", err)
	}
	return key, nil
}

func (g *Generator) selfSign(key *ecdsa.PrivateKey, notBefore, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(g.rand, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: g.cfg.CommonName},
		DNSNames:              []string{g.cfg.CommonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(g.rand, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return der, nil
}
