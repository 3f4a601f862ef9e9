// Package config handles configuration loading for the host link daemon.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and the secret master key to be injected at
// runtime.
//
// # Configuration Sections
//
//   - server: HTTP server settings (port, TLS, base path, admin key)
//   - storage: backend selection (mongodb, sqlite or memory)
//   - secrets: master key protecting stored credential passwords
//   - transmission: wire timeout, retry policy and SOAP service names
//   - oauth2: bearer token validation for the document API
//   - observability: log level, tracing and metrics export
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  basePath: /api
//	  adminKey: ${HOSTLINK_ADMIN_KEY}
//
//	storage:
//	  type: sqlite
//	  sqlite:
//	    path: /var/lib/hostlink/hostlink.db
//
//	secrets:
//	  masterKey: ${HOSTLINK_MASTER_KEY}
//
//	transmission:
//	  timeout: 30s
//	  retry:
//	    maxAttempts: 3
//	    baseDelay: 1s
//	    multiplier: 3
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-hostlink/internal/auth"
	"github.com/sirosfoundation/go-hostlink/internal/observability"
	"github.com/sirosfoundation/go-hostlink/pkg/retry"
	"github.com/sirosfoundation/go-hostlink/pkg/soap"
)

// Storage backends
const (
	StorageMongoDB = "mongodb"
	StorageSQLite  = "sqlite"
	StorageMemory  = "memory"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Transmission  TransmissionConfig  `yaml:"transmission"`
	OAuth2        OAuth2Config        `yaml:"oauth2"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
	AdminKey string `yaml:"adminKey"` // API key for admin endpoints
	TLS      struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// SQLiteConfig holds the embedded database location
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// SecretsConfig holds the credential password encryption settings.
// Without a master key passwords are stored as given; this is only
// accepted with the memory backend.
type SecretsConfig struct {
	MasterKey string `yaml:"masterKey"`
	Salt      string `yaml:"salt"`
}

// TransmissionConfig holds wire call settings
type TransmissionConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	Retry             RetryConfig   `yaml:"retry"`
	SOAPNamespace     string        `yaml:"soapNamespace"`
	SOAPOperation     string        `yaml:"soapOperation"`
	SOAPResultElement string        `yaml:"soapResultElement"`
}

// RetryConfig holds the retry policy
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// OAuth2Config holds OAuth2/OIDC settings. Leaving the issuer empty
// disables token checks on the document API.
type OAuth2Config struct {
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	JWKSUrl       string `yaml:"jwksUrl"`
	RequiredScope string `yaml:"requiredScope"`
}

// ObservabilityConfig holds logging, tracing and metrics settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"logLevel"`
	Tracing  struct {
		Enabled    bool    `yaml:"enabled"`
		Endpoint   string  `yaml:"endpoint"`
		Insecure   bool    `yaml:"insecure"`
		SampleRate float64 `yaml:"sampleRate"`
	} `yaml:"tracing"`
	Metrics struct {
		Enabled  bool          `yaml:"enabled"`
		Endpoint string        `yaml:"endpoint"`
		Insecure bool          `yaml:"insecure"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageSQLite
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "hostlink"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "hostlink.db"
	}
	if c.Transmission.Timeout == 0 {
		c.Transmission.Timeout = 30 * time.Second
	}
	if c.Transmission.Retry.MaxAttempts == 0 {
		c.Transmission.Retry.MaxAttempts = 3
	}
	if c.Transmission.Retry.BaseDelay == 0 {
		c.Transmission.Retry.BaseDelay = time.Second
	}
	if c.Transmission.Retry.Multiplier == 0 {
		c.Transmission.Retry.Multiplier = 3
	}
	if c.Transmission.SOAPNamespace == "" {
		c.Transmission.SOAPNamespace = soap.DefaultNamespace
	}
	if c.Transmission.SOAPOperation == "" {
		c.Transmission.SOAPOperation = soap.DefaultOperation
	}
	if c.Transmission.SOAPResultElement == "" {
		c.Transmission.SOAPResultElement = soap.DefaultResultElement
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.Tracing.Endpoint == "" {
		c.Observability.Tracing.Endpoint = "localhost:4317"
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = 1.0
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case StorageMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("storage.type must be 'mongodb', 'sqlite', or 'memory', got '%s'", c.Storage.Type)
	}

	if c.Secrets.MasterKey == "" && c.Storage.Type != StorageMemory {
		return fmt.Errorf("secrets.masterKey is required with persistent storage")
	}
	if c.Secrets.MasterKey != "" && len(c.Secrets.MasterKey) < 16 {
		return fmt.Errorf("secrets.masterKey must be at least 16 characters")
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.basePath must start with '/', got '%s'", c.Server.BasePath)
	}

	if c.Transmission.Timeout < 0 {
		return fmt.Errorf("transmission.timeout must be positive")
	}
	if c.Transmission.Retry.MaxAttempts < 1 {
		return fmt.Errorf("transmission.retry.maxAttempts must be at least 1")
	}
	if c.Transmission.Retry.Multiplier < 1 {
		return fmt.Errorf("transmission.retry.multiplier must be at least 1")
	}

	if c.OAuth2.Issuer != "" && c.OAuth2.JWKSUrl == "" {
		return fmt.Errorf("oauth2.jwksUrl is required when oauth2.issuer is set")
	}

	if _, err := parseLevel(c.Observability.LogLevel); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the configured slog level
func (c *Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Observability.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("observability.logLevel: %w", err)
	}
	return l, nil
}

// RetryPolicy returns the retry handler settings
func (c *Config) RetryPolicy() *retry.Config {
	return &retry.Config{
		MaxAttempts: c.Transmission.Retry.MaxAttempts,
		BaseDelay:   c.Transmission.Retry.BaseDelay,
		Multiplier:  c.Transmission.Retry.Multiplier,
	}
}

// SOAPService returns the SOAP operation naming
func (c *Config) SOAPService() soap.Service {
	return soap.Service{
		Namespace:     c.Transmission.SOAPNamespace,
		Operation:     c.Transmission.SOAPOperation,
		ResultElement: c.Transmission.SOAPResultElement,
	}
}

// Tracing returns the tracing export settings
func (c *Config) Tracing() *observability.TracingConfig {
	t := observability.DefaultTracingConfig()
	t.Enabled = c.Observability.Tracing.Enabled
	t.OTLPEndpoint = c.Observability.Tracing.Endpoint
	t.Insecure = c.Observability.Tracing.Insecure
	t.SampleRate = c.Observability.Tracing.SampleRate
	return t
}

// Metrics returns the metric export settings
func (c *Config) Metrics() *observability.MetricsConfig {
	m := observability.DefaultMetricsConfig()
	m.Enabled = c.Observability.Metrics.Enabled
	if c.Observability.Metrics.Endpoint != "" {
		m.OTLPEndpoint = c.Observability.Metrics.Endpoint
	}
	m.Insecure = c.Observability.Metrics.Insecure
	if c.Observability.Metrics.Interval > 0 {
		m.Interval = c.Observability.Metrics.Interval
	}
	return m
}

// Auth returns the bearer token validation settings
func (c *Config) Auth() *auth.Config {
	return &auth.Config{
		Issuer:        c.OAuth2.Issuer,
		Audience:      c.OAuth2.Audience,
		JWKSUrl:       c.OAuth2.JWKSUrl,
		RequiredScope: c.OAuth2.RequiredScope,
	}
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
