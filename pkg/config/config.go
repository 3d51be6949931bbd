package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/keygen"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/logging"
)

// Service types under which the transport is installed
const (
	ServiceTypeTransport = "tb-transport"
	ServiceTypeMonolith  = "monolith"
)

// Config represents the application configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service" envconfig:"SERVICE"`
	Transport TransportConfig `yaml:"transport" envconfig:"TRANSPORT"`
	Status    StatusConfig    `yaml:"status" envconfig:"STATUS"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Logging   logging.Config  `yaml:"logging" envconfig:"LOGGING"`
}

// ServiceConfig describes the deployment the process runs in
type ServiceConfig struct {
	Type string `yaml:"type" envconfig:"TYPE"` // tb-transport, monolith, ...
}

// TransportConfig groups the transport protocols
type TransportConfig struct {
	LwM2M LwM2MConfig `yaml:"lwm2m" envconfig:"LWM2M"`
}

// LwM2MConfig contains the LwM2M transport configuration
type LwM2MConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED"`
	StartAll bool   `yaml:"start_all" envconfig:"START_ALL"`
	DTLSMode string `yaml:"dtls_mode" envconfig:"DTLS_MODE"` // x509, psk, rpk, nosec or 0-3

	KeyGeneration KeyGenerationConfig `yaml:"key_generation" envconfig:"KEY_GENERATION"`

	Cert  CertEndpointConfig  `yaml:"cert" envconfig:"CERT"`
	NoSec NoSecEndpointConfig `yaml:"nosec" envconfig:"NOSEC"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// KeyGenerationConfig enables PSK/RPK/ECC generation at startup
type KeyGenerationConfig struct {
	Enabled       bool `yaml:"enabled" envconfig:"ENABLED"`
	keygen.Config `yaml:",inline"`
}

// CertEndpointConfig configures the X.509 endpoint
type CertEndpointConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	CertFile string `yaml:"cert_file" envconfig:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" envconfig:"KEY_FILE"`
	CAFile   string `yaml:"ca_file" envconfig:"CA_FILE"`
}

// NoSecEndpointConfig configures the PSK/RPK/NoSec endpoint
type NoSecEndpointConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
	// KeyStore is a key manifest; defaults to the generated one when key
	// generation is enabled
	KeyStore string `yaml:"key_store" envconfig:"KEY_STORE"`
}

// RateLimitConfig limits datagrams per remote address on both endpoints
type RateLimitConfig struct {
	PacketsPerSecond float64 `yaml:"packets_per_second" envconfig:"PACKETS_PER_SECOND"` // 0 disables limiting
	Burst            int     `yaml:"burst" envconfig:"BURST"`
}

// StatusConfig contains the status HTTP server configuration
type StatusConfig struct {
	Host             string     `yaml:"host" envconfig:"HOST"`
	Port             int        `yaml:"port" envconfig:"PORT"`
	AdminToken       string     `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`               // Bearer token for /api (auto-generated if empty)
	EventTokenSecret string     `yaml:"event_token_secret" envconfig:"EVENT_TOKEN_SECRET"` // HS256 secret for /ws/events, open when empty
	Metrics          bool       `yaml:"metrics" envconfig:"METRICS"`
	CORS             CORSConfig `yaml:"cors" envconfig:"CORS"`
}

// CORSConfig contains CORS settings for the status server
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	MaxAge         int      `yaml:"max_age" envconfig:"MAX_AGE"` // seconds
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, mongodb, redis
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
	Redis   RedisConfig   `yaml:"redis" envconfig:"REDIS"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// RedisConfig contains Redis-specific configuration
type RedisConfig struct {
	Address   string `yaml:"address" envconfig:"ADDRESS"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Missing file: defaults and env vars only
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment variables have the highest priority
	if err := envconfig.Process("LWM2M", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Type: ServiceTypeMonolith,
		},
		Transport: TransportConfig{
			LwM2M: LwM2MConfig{
				Enabled:  true,
				DTLSMode: string(modes.SecurityModeNoSec),
				KeyGeneration: KeyGenerationConfig{
					Config: keygen.Config{
						Dir:          "keys",
						PSKIdentity:  keygen.DefaultPSKIdentity,
						PSKKeyLength: keygen.DefaultPSKKeyLength,
						CommonName:   keygen.DefaultCommonName,
						Validity:     keygen.DefaultValidity,
					},
				},
				Cert: CertEndpointConfig{
					Host: "0.0.0.0",
					Port: 5686,
				},
				NoSec: NoSecEndpointConfig{
					Host: "0.0.0.0",
					Port: 5685,
				},
				RateLimit: RateLimitConfig{
					PacketsPerSecond: 50,
					Burst:            100,
				},
				ShutdownTimeout: 30 * time.Second,
			},
		},
		Status: StatusConfig{
			Host:    "0.0.0.0",
			Port:    8090,
			Metrics: true,
			CORS: CORSConfig{
				MaxAge: 3600,
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "lwm2m",
				Timeout:  10,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "lwm2m:",
			},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	lw := &c.Transport.LwM2M

	mode, err := modes.ParseSecurityMode(lw.DTLSMode)
	if err != nil {
		return fmt.Errorf("transport.lwm2m.dtls_mode: %w", err)
	}

	if err := validatePort("transport.lwm2m.cert.port", lw.Cert.Port); err != nil {
		return err
	}
	if err := validatePort("transport.lwm2m.nosec.port", lw.NoSec.Port); err != nil {
		return err
	}
	if lw.Cert.Host == lw.NoSec.Host && lw.Cert.Port == lw.NoSec.Port {
		return fmt.Errorf("cert and nosec endpoints cannot share %s:%d", lw.Cert.Host, lw.Cert.Port)
	}

	if lw.Enabled && (lw.StartAll || mode == modes.SecurityModeX509) {
		if lw.Cert.CertFile == "" || lw.Cert.KeyFile == "" || lw.Cert.CAFile == "" {
			return fmt.Errorf("transport.lwm2m.cert requires cert_file, key_file and ca_file when the cert endpoint can start")
		}
	}

	if lw.KeyGeneration.Enabled && lw.KeyGeneration.Dir == "" {
		return fmt.Errorf("transport.lwm2m.key_generation.dir is required when key generation is enabled")
	}

	if lw.Enabled && (mode == modes.SecurityModePSK || mode == modes.SecurityModeRPK) && lw.KeyStorePath() == "" {
		return fmt.Errorf("transport.lwm2m.nosec.key_store is required for %s unless key generation is enabled", mode)
	}

	if lw.RateLimit.PacketsPerSecond < 0 {
		return fmt.Errorf("invalid rate_limit.packets_per_second: %v", lw.RateLimit.PacketsPerSecond)
	}
	if lw.RateLimit.PacketsPerSecond > 0 && lw.RateLimit.Burst < 1 {
		return fmt.Errorf("invalid rate_limit.burst: %d (must be at least 1 when limiting)", lw.RateLimit.Burst)
	}

	if lw.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", lw.ShutdownTimeout)
	}

	if err := validatePort("status.port", c.Status.Port); err != nil {
		return err
	}

	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required when using mongodb storage")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("redis address is required when using redis storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, mongodb or redis)", c.Storage.Type)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}

// Active reports whether the LwM2M transport should be installed at all
func (c *Config) Active() bool {
	typ := c.Service.Type
	return (typ == ServiceTypeTransport || typ == ServiceTypeMonolith) && c.Transport.LwM2M.Enabled
}

// SecurityMode returns the parsed DTLS mode. Only valid after Validate.
func (c *LwM2MConfig) SecurityMode() modes.SecurityMode {
	mode, _ := modes.ParseSecurityMode(c.DTLSMode)
	return mode
}

// KeyStorePath returns the key manifest for the nosec endpoint, falling back
// to the generated manifest when key generation is enabled
func (c *LwM2MConfig) KeyStorePath() string {
	if c.NoSec.KeyStore != "" {
		return c.NoSec.KeyStore
	}
	if c.KeyGeneration.Enabled {
		return filepath.Join(c.KeyGeneration.Dir, keygen.ManifestFile)
	}
	return ""
}

// Address returns the cert endpoint bind address
func (c *CertEndpointConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the nosec endpoint bind address
func (c *NoSecEndpointConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the status server address
func (c *StatusConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
