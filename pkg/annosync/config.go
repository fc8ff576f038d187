package annosync

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/retry"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
	"github.com/surrealdb/annosync/pkg/store/mongodb"
	"github.com/surrealdb/annosync/pkg/store/surrealdb"
)

// Config is read once at startup from flags and environment variables.
type Config struct {
	Log       LogConfig       `group:"Logging" namespace:"log"`
	Primary   PrimaryConfig   `group:"Primary store" namespace:"primary"`
	Secondary SecondaryConfig `group:"Document store" namespace:"secondary"`
	Sync      SyncConfig      `group:"Propagation" namespace:"sync"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level string `long:"level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	File  string `long:"file" env:"LOG_FILE" description:"Append logs to this file instead of stderr"`
}

// PrimaryConfig selects the relational store.
type PrimaryConfig struct {
	Driver string `long:"driver" env:"PRIMARY_DRIVER" default:"postgres" choice:"postgres" choice:"sqlite" description:"Primary database driver"`
	DSN    string `long:"dsn" env:"POSTGRES_DSN" default:"host=localhost user=postgres password=postgres dbname=annosync port=5432 sslmode=disable" description:"Primary database DSN"`
}

// Document store backends.
const (
	BackendSurrealDB = "surrealdb"
	BackendMongoDB   = "mongodb"
	BackendMemory    = "memory"
)

// SecondaryConfig selects the document store.
type SecondaryConfig struct {
	Backend   string        `long:"backend" env:"SECONDARY_BACKEND" default:"surrealdb" choice:"surrealdb" choice:"mongodb" choice:"memory" description:"Document store backend"`
	URL       string        `long:"url" env:"SECONDARY_URL" default:"ws://localhost:8000/rpc" description:"Document store address (SurrealDB endpoint or MongoDB URI)"`
	Namespace string        `long:"namespace" env:"SECONDARY_NS" default:"annosync" description:"SurrealDB namespace"`
	Database  string        `long:"database" env:"SECONDARY_DB" default:"annosync" description:"Database name"`
	User      string        `long:"user" env:"SECONDARY_USER" description:"Document store user"`
	Pass      string        `long:"pass" env:"SECONDARY_PASS" description:"Document store password"`
	Lazy      bool          `long:"lazy" env:"SECONDARY_LAZY" description:"Connect on first use instead of at startup"`
	Timeout   time.Duration `long:"timeout" env:"SECONDARY_TIMEOUT" default:"5s" description:"Bound on each document store call"`
}

// SyncConfig bounds the retries of a propagation.
type SyncConfig struct {
	Attempts     int           `long:"attempts" env:"SYNC_ATTEMPTS" default:"3" description:"Write attempts per propagation"`
	InitialDelay time.Duration `long:"initial-delay" env:"SYNC_INITIAL_DELAY" default:"100ms" description:"Delay before the first retry"`
	MaxDelay     time.Duration `long:"max-delay" env:"SYNC_MAX_DELAY" default:"2s" description:"Upper bound of the retry delay"`
}

// Retryer builds the propagation retry policy. Attempts below one mean a
// single attempt.
func (c SyncConfig) Retryer() retry.Retryer {
	if c.Attempts <= 1 {
		return retry.Never
	}
	r := retry.NewExponentialBackoffRetryer(c.Attempts - 1)
	if c.InitialDelay > 0 {
		r.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		r.MaxDelay = c.MaxDelay
	}
	return r
}

// Open builds the configured document store without dialing. New dials it
// under --secondary.timeout unless Lazy is set.
func (c SecondaryConfig) Open(log zerolog.Logger) (store.ProjectionStore, error) {
	switch c.Backend {
	case BackendSurrealDB, "":
		return surrealdb.New(surrealdb.Config{
			URL:       c.URL,
			Namespace: c.Namespace,
			Database:  c.Database,
			Username:  c.User,
			Password:  c.Pass,
			Lazy:      true,
		}, log), nil
	case BackendMongoDB:
		return mongodb.New(mongodb.Config{
			URI:      c.URL,
			Database: c.Database,
			Timeout:  c.Timeout,
			Lazy:     true,
		}, log), nil
	case BackendMemory:
		return memstore.New(log), nil
	default:
		return nil, fmt.Errorf("unsupported document store backend %q", c.Backend)
	}
}
