package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "store:clear"

// ClearStore truncates the tasks and chats tables. Schema is preserved;
// only data is removed. RESTART IDENTITY resets sequences.
func ClearStore(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing task and chat tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE
		tasks,
		chats
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Store cleared", clearLogPrefix))
	return nil
}
