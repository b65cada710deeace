package config

import (
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use STORE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "STORE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "STORE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "STORE_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "STORE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "STORE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "STORE_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "STORE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.MongoDBURL, "STORE_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "STORE_STORAGE_MONGODB_DATABASE")

	// Catalog config
	setIfEnv(&c.Catalog.Source, "STORE_CATALOG_SOURCE")
	setIfEnv(&c.Catalog.MongoDBURL, "STORE_CATALOG_MONGODB_URL")
	setIfEnv(&c.Catalog.MongoDBDatabase, "STORE_CATALOG_MONGODB_DATABASE")
	setIfEnv(&c.Catalog.MongoDBCollection, "STORE_CATALOG_MONGODB_COLLECTION")

	// Blobstore config
	setIfEnv(&c.Blobstore.Backend, "STORE_BLOBSTORE_BACKEND")
	setIfEnv(&c.Blobstore.MongoDBURL, "STORE_BLOBSTORE_MONGODB_URL")
	setIfEnv(&c.Blobstore.MongoDBDatabase, "STORE_BLOBSTORE_MONGODB_DATABASE")
	setIfEnv(&c.Blobstore.BucketName, "STORE_BLOBSTORE_BUCKET")

	// Bank display config
	setIfEnv(&c.Bank.AccountNumber, "STORE_BANK_ACCOUNT_NUMBER")
	setIfEnv(&c.Bank.AccountHolder, "STORE_BANK_ACCOUNT_HOLDER")
	setIfEnv(&c.Bank.BankName, "STORE_BANK_NAME")
	setIfEnv(&c.Bank.MemoPrefix, "STORE_BANK_MEMO_PREFIX")

	// Payments config
	setDurationIfEnv(&c.Payments.CheckoutTTL, "STORE_PAYMENTS_CHECKOUT_TTL")
	setDurationIfEnv(&c.Payments.SweepInterval, "STORE_PAYMENTS_SWEEP_INTERVAL")

	// Downloads config
	setDurationIfEnv(&c.Downloads.LinkTTL, "STORE_DOWNLOADS_LINK_TTL")

	// Callbacks config
	setIfEnv(&c.Callbacks.PaymentSuccessURL, "STORE_CALLBACK_PAYMENT_SUCCESS_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "STORE_CALLBACK_TIMEOUT")
	// Load callback headers (STORE_CALLBACK_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "STORE_CALLBACK_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "STORE_CALLBACK_HEADER_")
		if name == "" {
			continue
		}
		if c.Callbacks.Headers == nil {
			c.Callbacks.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Callbacks.Headers[headerName] = parts[1]
	}

	// Auth config
	setIfEnv(&c.Auth.BuyerHeader, "STORE_AUTH_BUYER_HEADER")
	setIfEnv(&c.Auth.AdminAPIKey, "STORE_AUTH_ADMIN_API_KEY")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
