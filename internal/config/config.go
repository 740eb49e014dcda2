package config

import (
	"fmt"
	"strings"

	sharedauth "github.com/jesushernandez976/accesscodepro-blog/internal/shared/auth"
	"github.com/jesushernandez976/accesscodepro-blog/internal/shared/envconfig"
	"github.com/jesushernandez976/accesscodepro-blog/internal/webhook"
)

// Config encapsulates the runtime configuration for the blog account service.
// It is built once at startup and passed down explicitly.
type Config struct {
	Port           string `validate:"required,numeric"`
	LogLevel       string `validate:"omitempty,oneof=debug info warn error"`
	GCPProjectID   string
	DataStore      DataStore
	Firestore      FirestoreConfig
	Badger         BadgerConfig
	SQLite         SQLiteConfig
	Webhook        WebhookConfig
	Auth           AuthConfig
	AdminUserIDs   []string
	RecoverOnStart bool
}

// DataStore enumerates supported persistence backends.
type DataStore string

const (
	// DataStoreMemory keeps users and content in-memory (useful for local development/testing).
	DataStoreMemory DataStore = "memory"
	// DataStoreFirestore stores records in Google Cloud Firestore.
	DataStoreFirestore DataStore = "firestore"
	// DataStoreBadger stores records in an embedded Badger database.
	DataStoreBadger DataStore = "badger"
	// DataStoreSQLite stores records in a SQLite file.
	DataStoreSQLite DataStore = "sqlite"
)

// FirestoreConfig tailors Firestore client behavior.
type FirestoreConfig struct {
	EmulatorHost string
}

// BadgerConfig locates the Badger data directory. Empty runs Badger in memory.
type BadgerConfig struct {
	Path string
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string
}

// WebhookConfig controls how identity provider deliveries are authenticated.
type WebhookConfig struct {
	Mode   webhook.Mode
	Secret string
}

// AuthConfig stores authentication middleware setup.
type AuthConfig struct {
	Mode     sharedauth.Mode
	JWKSURL  string
	Audience string
	Issuer   string
}

// Load reads environment variables into Config with validation.
func Load() (Config, error) {
	cfg := Config{
		Port:         envconfig.Get("PORT", "8080"),
		LogLevel:     strings.ToLower(envconfig.Get("LOG_LEVEL", "info")),
		GCPProjectID: envconfig.Get("GCP_PROJECT_ID", ""),
		DataStore:    DataStore(strings.ToLower(envconfig.Get("DATASTORE", string(DataStoreMemory)))),
		Firestore: FirestoreConfig{
			EmulatorHost: envconfig.Get("FIRESTORE_EMULATOR_HOST", ""),
		},
		Badger: BadgerConfig{
			Path: envconfig.Get("BADGER_PATH", ""),
		},
		SQLite: SQLiteConfig{
			Path: envconfig.Get("SQLITE_PATH", "blog.db"),
		},
		Webhook: WebhookConfig{
			Mode:   webhook.Mode(strings.ToLower(envconfig.Get("WEBHOOK_VERIFY_MODE", string(webhook.ModeSvix)))),
			Secret: envconfig.Get("CLERK_WEBHOOK_SECRET", ""),
		},
		Auth: AuthConfig{
			Mode:     sharedauth.Mode(strings.ToLower(envconfig.Get("AUTH_MODE", string(sharedauth.ModeNoop)))),
			JWKSURL:  envconfig.Get("CLERK_JWKS_URL", ""),
			Audience: envconfig.Get("CLERK_AUDIENCE", ""),
			Issuer:   envconfig.Get("CLERK_ISSUER", ""),
		},
		AdminUserIDs:   envconfig.GetList("ADMIN_USER_IDS"),
		RecoverOnStart: envconfig.GetBool("RECOVER_ON_START", false),
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if err := envconfig.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.DataStore {
	case DataStoreMemory, DataStoreBadger:
		// no-op
	case DataStoreFirestore:
		if cfg.GCPProjectID == "" {
			return fmt.Errorf("gcp project id required when datastore=firestore")
		}
	case DataStoreSQLite:
		if strings.TrimSpace(cfg.SQLite.Path) == "" {
			return fmt.Errorf("SQLITE_PATH is required when datastore=sqlite")
		}
	default:
		return fmt.Errorf("unsupported datastore: %s", cfg.DataStore)
	}

	switch cfg.Webhook.Mode {
	case webhook.ModeSvix:
		if cfg.Webhook.Secret == "" {
			return fmt.Errorf("CLERK_WEBHOOK_SECRET is required when WEBHOOK_VERIFY_MODE=svix")
		}
	case webhook.ModeNoop:
		// no-op
	default:
		return fmt.Errorf("unsupported webhook verify mode: %s", cfg.Webhook.Mode)
	}

	switch cfg.Auth.Mode {
	case sharedauth.ModeClerk:
		if cfg.Auth.JWKSURL == "" {
			return fmt.Errorf("CLERK_JWKS_URL is required when AUTH_MODE=clerk")
		}
	case sharedauth.ModeNoop:
		// no-op
	default:
		return fmt.Errorf("unsupported auth mode: %s", cfg.Auth.Mode)
	}

	return nil
}
