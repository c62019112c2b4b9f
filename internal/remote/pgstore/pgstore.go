// Package pgstore backs the remote document store with PostgreSQL: one jsonb
// row per document. Postgres offers no push channel here, so Watch reports
// ErrWatchUnsupported and callers degrade to one-shot fetches.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haulware/docsync/internal/remote"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS remote_documents (
    collection  TEXT  NOT NULL,
    document_id TEXT  NOT NULL,
    fields      JSONB NOT NULL,
    PRIMARY KEY (collection, document_id)
)`

// StoreConfig configures the Postgres-backed store.
type StoreConfig struct {
	DSN    string
	Logger *zap.Logger
}

// Store implements remote.Store on top of a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore connects to Postgres and ensures the documents table exists.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgstore: connection string is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, remote.NewStoreError(remote.CodeUnavailable, "postgres connect failed", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, remote.NewStoreError(remote.CodeUnavailable, "schema setup failed", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) GetDoc(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT fields FROM remote_documents WHERE collection = $1 AND document_id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, remote.NewStoreError(remote.CodeUnavailable, "document read failed", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, remote.NewStoreError(remote.CodeInternal, "stored document is not valid JSON", err)
	}
	return fields, true, nil
}

func (s *Store) SetDoc(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return remote.NewStoreError(remote.CodeInternal, "document marshal failed", err)
	}

	// jsonb || merges shallowly, matching the merge-write contract.
	update := `fields = EXCLUDED.fields`
	if merge {
		update = `fields = remote_documents.fields || EXCLUDED.fields`
	}
	query := fmt.Sprintf(`
INSERT INTO remote_documents (collection, document_id, fields)
VALUES ($1, $2, $3)
ON CONFLICT (collection, document_id) DO UPDATE SET %s`, update)

	if _, err := s.pool.Exec(ctx, query, collection, id, raw); err != nil {
		return remote.NewStoreError(remote.CodeUnavailable, "document write failed", err)
	}
	return nil
}

func (s *Store) DeleteDoc(ctx context.Context, collection, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM remote_documents WHERE collection = $1 AND document_id = $2`,
		collection, id); err != nil {
		return remote.NewStoreError(remote.CodeUnavailable, "document delete failed", err)
	}
	return nil
}

func (s *Store) GetDocs(ctx context.Context, collection string, filters []remote.Filter, limit int) ([]remote.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, fields FROM remote_documents WHERE collection = $1 ORDER BY document_id`,
		collection)
	if err != nil {
		return nil, remote.NewStoreError(remote.CodeUnavailable, "collection query failed", err)
	}
	defer rows.Close()

	var snapshots []remote.Snapshot
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, remote.NewStoreError(remote.CodeUnavailable, "row scan failed", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, remote.NewStoreError(remote.CodeInternal, "stored document is not valid JSON", err)
		}
		if !remote.MatchesFilters(fields, filters) {
			continue
		}
		snapshots = append(snapshots, remote.Snapshot{ID: id, Fields: fields})
		if limit > 0 && len(snapshots) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, remote.NewStoreError(remote.CodeUnavailable, "collection query failed", err)
	}
	return snapshots, nil
}

// Watch reports ErrWatchUnsupported: this store offers no push channel.
func (s *Store) Watch(_ context.Context, _ string, _ []remote.Filter, _ func([]remote.Snapshot), _ func(error)) (func(), error) {
	return nil, remote.ErrWatchUnsupported
}
