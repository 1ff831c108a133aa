package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/pulsesync/internal/config"
	"github.com/vedran77/pulsesync/internal/repository/postgres"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func Connect(cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	pool, err := pgxpool.New(context.Background(), dsn)

	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

// ConnectMongo dials MongoDB and verifies the primary is reachable.
func ConnectMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("unable to ping mongo: %w", err)
	}

	return client, nil
}

// Migrate creates the documents table and its change trigger. It is safe
// to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops)`,
	`CREATE INDEX IF NOT EXISTS documents_order_idx ON documents (collection, created_at, id)`,
	`CREATE OR REPLACE FUNCTION notify_document_change() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			PERFORM pg_notify('` + postgres.NotifyChannel + `', OLD.collection);
		ELSE
			PERFORM pg_notify('` + postgres.NotifyChannel + `', NEW.collection);
		END IF;
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS documents_notify ON documents`,
	`CREATE TRIGGER documents_notify AFTER INSERT OR UPDATE OR DELETE ON documents
		FOR EACH ROW EXECUTE FUNCTION notify_document_change()`,
}
