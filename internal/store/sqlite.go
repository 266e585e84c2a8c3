package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/erc721-indexer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS owner (
	id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS token (
	id         TEXT PRIMARY KEY,
	token_id   INTEGER NOT NULL,
	owner_id   TEXT REFERENCES owner(id),
	uri        TEXT,
	image      TEXT,
	attributes TEXT
);

CREATE TABLE IF NOT EXISTS transfer (
	id               TEXT PRIMARY KEY,
	block_number     INTEGER NOT NULL,
	block_timestamp  TEXT NOT NULL,
	transaction_hash TEXT NOT NULL,
	from_id          TEXT REFERENCES owner(id),
	to_id            TEXT REFERENCES owner(id),
	token_id         TEXT REFERENCES token(id)
);

CREATE INDEX IF NOT EXISTS idx_token_owner_id ON token(owner_id);
CREATE INDEX IF NOT EXISTS idx_transfer_token_id ON transfer(token_id);
CREATE INDEX IF NOT EXISTS idx_transfer_block_number ON transfer(block_number);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert writes entities in one transaction. A constraint failure on any row
// rolls back the whole batch.
func (s *SQLiteStore) Insert(ctx context.Context, kind model.Kind, entities []model.Entity) error {
	return s.write(ctx, kind, entities, false)
}

// Save writes entities with ON CONFLICT(id) DO UPDATE.
func (s *SQLiteStore) Save(ctx context.Context, kind model.Kind, entities []model.Entity) error {
	return s.write(ctx, kind, entities, true)
}

func (s *SQLiteStore) write(ctx context.Context, kind model.Kind, entities []model.Entity, upsert bool) error {
	if len(entities) == 0 {
		return nil
	}
	cols, rows, err := prepareRows(kind, entities)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteWriteSQL(kind.Table(), cols, upsert))
	if err != nil {
		return eris.Wrapf(err, "sqlite: prepare write %s", kind)
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, sqliteArgs(row)...); err != nil {
			if isSQLiteUnique(err) {
				return eris.Wrapf(ErrDuplicate, "sqlite: insert %s %v: %v", kind, row[0], err)
			}
			return eris.Wrapf(err, "sqlite: write %s %v", kind, row[0])
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit")
	}
	return nil
}

// sqliteWriteSQL builds the INSERT for table. With upsert, every non-id
// column is overwritten on conflict.
func sqliteWriteSQL(table string, cols []string, upsert bool) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if !upsert {
		return q
	}
	var sets []string
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	if len(sets) == 0 {
		return q + " ON CONFLICT(id) DO NOTHING"
	}
	return q + " ON CONFLICT(id) DO UPDATE SET " + strings.Join(sets, ", ")
}

// sqliteArgs converts encoded row values into forms SQLite stores losslessly.
func sqliteArgs(row []any) []any {
	args := make([]any, len(row))
	for i, v := range row {
		switch x := v.(type) {
		case time.Time:
			args[i] = x.UTC().Format(time.RFC3339Nano)
		case []byte:
			if x == nil {
				args[i] = nil
			} else {
				args[i] = string(x)
			}
		default:
			args[i] = v
		}
	}
	return args
}

func isSQLiteUnique(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Get(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	switch kind {
	case model.KindOwner:
		var o model.Owner
		err := s.db.QueryRowContext(ctx, `SELECT id FROM owner WHERE id = ?`, id).Scan(&o.ID)
		if err != nil {
			return nil, sqliteNotFound(err, kind, id)
		}
		return &o, nil
	case model.KindToken:
		var (
			r     tokenRow
			attrs sql.NullString
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT id, token_id, owner_id, uri, image, attributes FROM token WHERE id = ?`, id,
		).Scan(&r.ID, &r.TokenID, &r.OwnerID, &r.URI, &r.Image, &attrs)
		if err != nil {
			return nil, sqliteNotFound(err, kind, id)
		}
		if attrs.Valid {
			r.Attributes = []byte(attrs.String)
		}
		return r.entity()
	case model.KindTransfer:
		var (
			r  transferRow
			ts string
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT id, block_number, block_timestamp, transaction_hash, from_id, to_id, token_id FROM transfer WHERE id = ?`, id,
		).Scan(&r.ID, &r.BlockNumber, &ts, &r.TransactionHash, &r.FromID, &r.ToID, &r.TokenID)
		if err != nil {
			return nil, sqliteNotFound(err, kind, id)
		}
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse timestamp of transfer %s", id)
		}
		return r.entity(), nil
	default:
		return nil, eris.Errorf("sqlite: get: unknown kind %s", kind)
	}
}

func sqliteNotFound(err error, kind model.Kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: get %s %s", kind, id)
	}
	return eris.Wrapf(err, "sqlite: get %s %s", kind, id)
}
