// Package config holds the relay's environment-derived configuration.
// Every field is parsed explicitly — no reflection-based rebinding of
// uppercase struct fields from the environment (spec.md §9 redesign flag).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DBStartupPolicy controls how internal/db reconciles the schema at startup.
type DBStartupPolicy string

const (
	// DBValidateOrRecreate applies pending migrations, failing startup if
	// they cannot be applied cleanly.
	DBValidateOrRecreate DBStartupPolicy = "validateOrRecreate"
	// DBCreateIfMissing applies migrations only when the schema_migrations
	// table does not yet exist; an existing schema is trusted as-is.
	DBCreateIfMissing DBStartupPolicy = "createIfMissing"
	// DBOff skips migrations entirely. Intended for environments where
	// schema management happens out-of-band.
	DBOff DBStartupPolicy = "off"
)

// Config is the fully-parsed relay configuration (§6.4).
type Config struct {
	HTTPAddr string

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string
	DBPolicy DBStartupPolicy

	CORSAllowList []string

	// BusProjectID selects the Redis connection string used for the bus
	// adapter. Empty means local-only mode (internal/bus.Local).
	BusProjectID string
	TopicPrefix  string
	// ForceBus skips the local short-circuit in the router even when the
	// target agent is on this process — useful for exercising the
	// cross-instance path in tests (§6.4).
	ForceBus bool

	// TokenSigningSecret holds the RSA public key used to verify access
	// tokens minted by the external auth collaborator (spec.md §1
	// Out-of-scope): either PEM content directly, or a filesystem path to a
	// PEM file when the value does not look like inline PEM.
	TokenSigningSecret string
	// TokenAlgorithm is asserted against what this relay actually supports
	// (RS256 only); spec.md §6.4 names it as a recognised key even though
	// only one value is accepted today.
	TokenAlgorithm string
	TokenTTL       time.Duration
	TokenIssuer    string

	InstanceID string

	// SlotPoolSeed is the number of slot rows pre-created at startup
	// (supplemented feature, see SPEC_FULL.md).
	SlotPoolSeed int
}

// Load builds a Config from the process environment, applying the defaults
// named in spec.md §6.4. All keys are optional.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:           envOrDefault("RELAY_HTTP_ADDR", ":8080"),
		DBDriver:           envOrDefault("RELAY_DB_DRIVER", "sqlite"),
		DBDSN:              envOrDefault("RELAY_DB_DSN", "./relay.db"),
		DBPolicy:           DBStartupPolicy(envOrDefault("RELAY_DB_STARTUP_POLICY", string(DBValidateOrRecreate))),
		CORSAllowList:      splitCSV(os.Getenv("RELAY_CORS_ALLOW_LIST")),
		BusProjectID:       os.Getenv("RELAY_BUS_PROJECT_ID"),
		TopicPrefix:        envOrDefault("RELAY_TOPIC_PREFIX", "homecast"),
		ForceBus:           envOrDefault("RELAY_FORCE_BUS", "false") == "true",
		TokenSigningSecret: os.Getenv("RELAY_TOKEN_SIGNING_SECRET"),
		TokenAlgorithm:     envOrDefault("RELAY_TOKEN_ALGORITHM", "RS256"),
		TokenIssuer:        envOrDefault("RELAY_TOKEN_ISSUER", "homecast-auth"),
		InstanceID:         os.Getenv("RELAY_INSTANCE_ID"),
		SlotPoolSeed:       8,
	}

	if cfg.TokenAlgorithm != "RS256" {
		return nil, fmt.Errorf("config: unsupported RELAY_TOKEN_ALGORITHM %q (only RS256 is implemented)", cfg.TokenAlgorithm)
	}

	ttlSeconds, err := strconv.Atoi(envOrDefault("RELAY_TOKEN_TTL_SECONDS", "900"))
	if err != nil {
		return nil, fmt.Errorf("config: RELAY_TOKEN_TTL_SECONDS: %w", err)
	}
	cfg.TokenTTL = time.Duration(ttlSeconds) * time.Second

	if raw := os.Getenv("RELAY_SLOT_POOL_SEED"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: RELAY_SLOT_POOL_SEED: %w", err)
		}
		cfg.SlotPoolSeed = n
	}

	switch cfg.DBPolicy {
	case DBValidateOrRecreate, DBCreateIfMissing, DBOff:
	default:
		return nil, fmt.Errorf("config: unrecognized RELAY_DB_STARTUP_POLICY %q", cfg.DBPolicy)
	}

	return cfg, nil
}

// LocalOnly reports whether the process should skip all cross-instance
// routing because no bus is configured (§4.1: "if a process cannot claim a
// slot, it falls back to local-only mode").
func (c *Config) LocalOnly() bool {
	return c.BusProjectID == "" && !c.ForceBus
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
