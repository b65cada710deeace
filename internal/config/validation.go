package config

import (
	"fmt"
	"strings"
)

// finalize validates cross-field constraints and fills derived defaults.
func (c *Config) finalize() error {
	switch c.Storage.Backend {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			return fmt.Errorf("storage.mongodb_url is required for the mongodb backend")
		}
		if c.Storage.MongoDBDatabase == "" {
			return fmt.Errorf("storage.mongodb_database is required for the mongodb backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want memory or mongodb)", c.Storage.Backend)
	}

	switch c.Catalog.Source {
	case "memory":
	case "mongodb":
		if c.Catalog.MongoDBURL == "" {
			// Fall back to the storage connection when the catalog lives in the same cluster.
			if c.Storage.MongoDBURL == "" {
				return fmt.Errorf("catalog.mongodb_url is required for the mongodb source")
			}
			c.Catalog.MongoDBURL = c.Storage.MongoDBURL
			c.Catalog.MongoDBDatabase = c.Storage.MongoDBDatabase
		}
		if c.Catalog.MongoDBCollection == "" {
			c.Catalog.MongoDBCollection = "products"
		}
	default:
		return fmt.Errorf("unknown catalog source %q (want memory or mongodb)", c.Catalog.Source)
	}

	switch c.Blobstore.Backend {
	case "memory":
	case "gridfs":
		if c.Blobstore.MongoDBURL == "" {
			if c.Storage.MongoDBURL == "" {
				return fmt.Errorf("blobstore.mongodb_url is required for the gridfs backend")
			}
			c.Blobstore.MongoDBURL = c.Storage.MongoDBURL
			c.Blobstore.MongoDBDatabase = c.Storage.MongoDBDatabase
		}
		if c.Blobstore.BucketName == "" {
			c.Blobstore.BucketName = "files"
		}
	default:
		return fmt.Errorf("unknown blobstore backend %q (want memory or gridfs)", c.Blobstore.Backend)
	}

	c.Bank.MemoPrefix = strings.TrimSpace(c.Bank.MemoPrefix)
	if c.Bank.MemoPrefix == "" {
		return fmt.Errorf("bank.memo_prefix must not be empty")
	}

	if c.Payments.CheckoutTTL.Duration <= 0 {
		return fmt.Errorf("payments.checkout_ttl must be positive")
	}
	if c.Downloads.MaxDownloads <= 0 {
		return fmt.Errorf("downloads.max_downloads must be positive")
	}
	if c.Downloads.LinkTTL.Duration <= 0 {
		return fmt.Errorf("downloads.link_ttl must be positive")
	}

	if c.Auth.BuyerHeader == "" {
		c.Auth.BuyerHeader = "X-Buyer-Id"
	}

	return nil
}
