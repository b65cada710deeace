package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Bank      BankConfig      `yaml:"bank"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Downloads DownloadsConfig `yaml:"downloads"`
	Callbacks CallbacksConfig `yaml:"callbacks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StorageConfig holds document store configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory" or "mongodb"
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Collection name mappings
}

// SchemaMappingConfig holds collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Payments     CollectionMappingConfig `yaml:"payments"`
	Orders       CollectionMappingConfig `yaml:"orders"`
	Deliveries   CollectionMappingConfig `yaml:"deliveries"`
	Entitlements CollectionMappingConfig `yaml:"entitlements"`
	Ownership    CollectionMappingConfig `yaml:"ownership"`
}

// CollectionMappingConfig defines a single collection mapping.
type CollectionMappingConfig struct {
	CollectionName string `yaml:"collection_name"`
}

// CatalogConfig holds product catalog configuration.
type CatalogConfig struct {
	Source            string           `yaml:"source"`             // "memory" or "mongodb"
	MongoDBURL        string           `yaml:"mongodb_url"`        // MongoDB connection string
	MongoDBDatabase   string           `yaml:"mongodb_database"`   // MongoDB database name
	MongoDBCollection string           `yaml:"mongodb_collection"` // MongoDB collection name (default: "products")
	Products          []CatalogProduct `yaml:"products"`           // Only used when Source = "memory"
}

// CatalogProduct defines a single product for the memory-backed catalog.
type CatalogProduct struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"` // "account" or "source-code"
	Title    string `yaml:"title"`
	Price    int64  `yaml:"price"` // VND, whole units
	FileID   string `yaml:"file_id"`
	FileName string `yaml:"file_name"`
}

// BlobstoreConfig holds blob storage configuration.
type BlobstoreConfig struct {
	Backend         string `yaml:"backend"`          // "memory" or "gridfs"
	MongoDBURL      string `yaml:"mongodb_url"`      // MongoDB connection string (gridfs)
	MongoDBDatabase string `yaml:"mongodb_database"` // MongoDB database name (gridfs)
	BucketName      string `yaml:"bucket_name"`      // GridFS bucket name (default: "files")
}

// BankConfig holds the bank-transfer display information surfaced at checkout.
type BankConfig struct {
	AccountNumber string `yaml:"account_number"`
	AccountHolder string `yaml:"account_holder"`
	BankName      string `yaml:"bank_name"`
	MemoPrefix    string `yaml:"memo_prefix"` // Prefix embedded in the transfer memo before the transaction code
}

// PaymentsConfig holds intent-ledger configuration.
type PaymentsConfig struct {
	CheckoutTTL   Duration `yaml:"checkout_ttl"`   // How long a pending payment stays payable (default: 15m)
	SweepInterval Duration `yaml:"sweep_interval"` // How often the expiry sweep runs; 0 disables the internal ticker
}

// DownloadsConfig holds download-allowance defaults for delivery snapshots.
type DownloadsConfig struct {
	MaxDownloads int      `yaml:"max_downloads"` // Per-order download allowance (default: 5)
	LinkTTL      Duration `yaml:"link_ttl"`      // Download window from purchase (default: 720h = 30 days)
}

// CallbacksConfig holds outbound merchant notification configuration.
type CallbacksConfig struct {
	PaymentSuccessURL string            `yaml:"payment_success_url"`
	Headers           map[string]string `yaml:"headers"`
	Timeout           Duration          `yaml:"timeout"`
	Retry             RetryConfig       `yaml:"retry"`
	Breaker           BreakerConfig     `yaml:"breaker"`
}

// RetryConfig holds callback retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum retry attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// BreakerConfig configures the circuit breaker for callback delivery.
type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`              // Enable circuit breaker (default: true)
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// AuthConfig holds identity boundary configuration. Authentication itself is
// owned by the upstream gateway; the server trusts the configured header.
type AuthConfig struct {
	BuyerHeader string `yaml:"buyer_header"` // Trusted gateway header carrying the buyer id (default: X-Buyer-Id)
	AdminAPIKey string `yaml:"admin_api_key"`
}
