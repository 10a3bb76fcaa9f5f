package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schemaStatements bootstrap the stored-notification table. Layout is
// otherwise owned by migration tooling; this exists so a fresh
// deployment can start without one.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + NotificationTable + ` (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		channel TEXT NOT NULL,
		payload JSONB NOT NULL,
		db_version TEXT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// The claim select matches on (channel, payload); index both so
	// skip-locked scans stay cheap under backlog.
	`CREATE INDEX IF NOT EXISTS ` + NotificationTable + `_channel_payload_idx
		ON ` + NotificationTable + ` (channel, payload)`,
	`CREATE INDEX IF NOT EXISTS ` + NotificationTable + `_created_at_idx
		ON ` + NotificationTable + ` (created_at)`,
}

// EnsureSchema creates the stored-notification table and its indexes if
// they do not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure notification schema: %w", err)
		}
	}
	log.Debug().Str("table", NotificationTable).Msg("Notification schema ensured")
	return nil
}
