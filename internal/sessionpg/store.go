package sessionpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errEmptyKey = errors.New("sessionpg.empty_key")

// Store persists console session keys in PostgreSQL through pgx.
type Store struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewStore constructs a Postgres store. EnsureSchema must have run against pool.
func NewStore(pool *pgxpool.Pool, namespace string) *Store {
	return &Store{pool: pool, namespace: normalizeNamespace(namespace)}
}

// Get returns the value stored under key.
func (store *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := store.pool.QueryRow(ctx, `
SELECT value
FROM console_sessions
WHERE namespace = $1 AND entry_key = $2
`, store.namespace, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sessionpg.get: %w", err)
	}
	return value, true, nil
}

// SetMany upserts every entry inside one transaction.
func (store *Store) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	for key := range values {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("sessionpg.set: %w", errEmptyKey)
		}
	}
	nowUnix := time.Now().UTC().Unix()
	err := pgx.BeginFunc(ctx, store.pool, func(transaction pgx.Tx) error {
		batch := &pgx.Batch{}
		for key, value := range values {
			batch.Queue(`
INSERT INTO console_sessions (namespace, entry_key, value, updated_at_unix)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, entry_key)
DO UPDATE SET value = EXCLUDED.value, updated_at_unix = EXCLUDED.updated_at_unix
`, store.namespace, key, value, nowUnix)
		}
		return transaction.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("sessionpg.set: %w", err)
	}
	return nil
}

// DeleteMany removes every listed key; missing keys are ignored.
func (store *Store) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := store.pool.Exec(ctx, `
DELETE FROM console_sessions
WHERE namespace = $1 AND entry_key = ANY($2)
`, store.namespace, keys)
	if err != nil {
		return fmt.Errorf("sessionpg.delete: %w", err)
	}
	return nil
}

func normalizeNamespace(namespace string) string {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" {
		return "default"
	}
	return trimmed
}
