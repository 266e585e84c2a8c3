// Package store persists generated entities and serves them back by id.
package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/model"
)

var (
	// ErrNotFound is returned by Get when no entity of the kind has the id.
	ErrNotFound = errors.New("store: entity not found")
	// ErrDuplicate is returned by Insert when an id already exists.
	ErrDuplicate = errors.New("store: duplicate id")
)

// Reader resolves entities persisted by earlier batches.
type Reader interface {
	// Get returns the entity of kind with the given id, or ErrNotFound.
	Get(ctx context.Context, kind model.Kind, id string) (model.Entity, error)
}

// Store defines the persistence interface for generated entities.
type Store interface {
	Reader

	// Insert writes entities that must not exist yet. It fails with
	// ErrDuplicate if any id is already present and writes nothing.
	Insert(ctx context.Context, kind model.Kind, entities []model.Entity) error

	// Save writes entities idempotently by id, replacing existing rows.
	Save(ctx context.Context, kind model.Kind, entities []model.Entity) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Config configures the database backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: no database_url configured for postgres")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "indexer.db"
		}
		return NewSQLite(dsn)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q (valid: postgres, sqlite, memory)", cfg.Driver)
	}
}

// checkKind verifies every entity belongs to kind.
func checkKind(kind model.Kind, entities []model.Entity) error {
	for _, e := range entities {
		if e.Kind() != kind {
			return eris.Errorf("store: %s entity %q passed as %s", e.Kind(), e.EntityID(), kind)
		}
	}
	return nil
}
