package sessionpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaStatement = `
CREATE TABLE IF NOT EXISTS console_sessions (
    namespace TEXT NOT NULL,
    entry_key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at_unix BIGINT NOT NULL,
    PRIMARY KEY (namespace, entry_key)
);
`

// EnsureSchema creates the session table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaStatement); err != nil {
		return fmt.Errorf("sessionpg.schema: %w", err)
	}
	return nil
}
