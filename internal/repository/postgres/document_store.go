package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/pulsesync/internal/repository"
	"github.com/vedran77/pulsesync/internal/timeconv"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN/NOTIFY channel the documents trigger
// publishes collection paths on.
const NotifyChannel = "document_changes"

// DocumentStore keeps every collection in one JSONB table. Live queries are
// re-run whenever the trigger reports a change to their collection.
type DocumentStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64
}

func NewDocumentStore(pool *pgxpool.Pool, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{
		pool: pool,
		log:  logger,
		subs: make(map[uint64]*subscription),
	}
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*repository.Document, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	var data map[string]any
	err := s.pool.QueryRow(ctx, query, collection, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &repository.Document{ID: id, Data: data}, nil
}

func (s *DocumentStore) Find(ctx context.Context, q repository.Query) ([]repository.Document, error) {
	query, args, err := buildFind(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []repository.Document{}
	for rows.Next() {
		var doc repository.Document
		if err := rows.Scan(&doc.ID, &doc.Data); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// buildFind renders a query. Field filters use JSONB containment so the GIN
// index on data applies.
func buildFind(q repository.Query) (string, []any, error) {
	const base = `SELECT id, data FROM documents WHERE collection = $1`
	const order = ` ORDER BY created_at, id`

	if q.Where == nil {
		return base + order, []any{q.Collection}, nil
	}
	if q.Where.Field == repository.IDField {
		return base + ` AND id = $2` + order, []any{q.Collection, q.Where.Value}, nil
	}
	filter, err := json.Marshal(map[string]any{q.Where.Field: q.Where.Value})
	if err != nil {
		return "", nil, fmt.Errorf("encoding filter: %w", err)
	}
	return base + ` AND data @> $2::jsonb` + order, []any{q.Collection, string(filter)}, nil
}

func (s *DocumentStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DocumentStore) Create(ctx context.Context, collection, id string, data map[string]any) error {
	query := `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, collection, id, resolve(data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, repository.ErrAlreadyExists)
	}
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	query := `UPDATE documents SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, query, collection, id, resolve(patch))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, repository.ErrNotFound)
	}
	return nil
}

// Transform locks the row for the duration of fn.
func (s *DocumentStore) Transform(ctx context.Context, collection, id string, fn repository.TransformFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data map[string]any
		err := tx.QueryRow(ctx,
			`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			collection, id,
		).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", collection, id, repository.ErrNotFound)
		}
		if err != nil {
			return err
		}

		patch, err := fn(repository.Document{ID: id, Data: data})
		if err != nil {
			return err
		}
		if len(patch) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE documents SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
			collection, id, resolve(patch),
		)
		return err
	})
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return err
}

// resolve stamps server timestamps in the provider timestamp shape.
func resolve(data map[string]any) map[string]any {
	return repository.ResolveServerTimestamps(data, func() any {
		return timeconv.ProviderTimestamp(timeconv.Now().UTC())
	})
}
