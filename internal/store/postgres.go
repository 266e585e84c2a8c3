package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/erc721-indexer/internal/db"
	"github.com/sells-group/erc721-indexer/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Entity lookups by id. pgx caches the prepared form per connection on first
// use, so nothing is prepared up front and a fresh database can be migrated
// through the same pool.
const (
	getOwnerSQL    = `SELECT id FROM owner WHERE id = $1`
	getTokenSQL    = `SELECT id, token_id, owner_id, uri, image, attributes FROM token WHERE id = $1`
	getTransferSQL = `SELECT id, block_number, block_timestamp, transaction_hash, from_id, to_id, token_id FROM transfer WHERE id = $1`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := poolConfig(connString, poolCfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// poolConfig parses connString and applies pool tuning. Connections carry no
// schema-dependent setup.
func poolConfig(connString string, poolCfg *PoolConfig) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	return pgxCfg, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that share it
// (e.g., the batch log).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Insert writes entities with COPY. Any existing id aborts the whole COPY
// and is reported as ErrDuplicate.
func (s *PostgresStore) Insert(ctx context.Context, kind model.Kind, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	cols, rows, err := prepareRows(kind, entities)
	if err != nil {
		return err
	}
	if _, err := db.CopyFrom(ctx, s.pool, kind.Table(), cols, rows); err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicate, "postgres: insert %s: %v", kind, err)
		}
		return eris.Wrapf(err, "postgres: insert %s", kind)
	}
	return nil
}

// Save upserts entities by id through a temp table.
func (s *PostgresStore) Save(ctx context.Context, kind model.Kind, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	cols, rows, err := prepareRows(kind, entities)
	if err != nil {
		return err
	}
	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        kind.Table(),
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: save %s", kind)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	switch kind {
	case model.KindOwner:
		var o model.Owner
		err := s.pool.QueryRow(ctx, getOwnerSQL, id).Scan(&o.ID)
		if err != nil {
			return nil, notFound(err, kind, id)
		}
		return &o, nil
	case model.KindToken:
		var r tokenRow
		err := s.pool.QueryRow(ctx, getTokenSQL, id).
			Scan(&r.ID, &r.TokenID, &r.OwnerID, &r.URI, &r.Image, &r.Attributes)
		if err != nil {
			return nil, notFound(err, kind, id)
		}
		return r.entity()
	case model.KindTransfer:
		var r transferRow
		err := s.pool.QueryRow(ctx, getTransferSQL, id).
			Scan(&r.ID, &r.BlockNumber, &r.Timestamp, &r.TransactionHash, &r.FromID, &r.ToID, &r.TokenID)
		if err != nil {
			return nil, notFound(err, kind, id)
		}
		return r.entity(), nil
	default:
		return nil, eris.Errorf("postgres: get: unknown kind %s", kind)
	}
}

func notFound(err error, kind model.Kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: get %s %s", kind, id)
	}
	return eris.Wrapf(err, "postgres: get %s %s", kind, id)
}

func prepareRows(kind model.Kind, entities []model.Entity) ([]string, [][]any, error) {
	if err := checkKind(kind, entities); err != nil {
		return nil, nil, err
	}
	cols, err := columns(kind)
	if err != nil {
		return nil, nil, err
	}
	rows, err := encodeRows(kind, entities)
	if err != nil {
		return nil, nil, err
	}
	return cols, rows, nil
}
