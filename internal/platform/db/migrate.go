package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate applies every *.sql file of fsys in lexical order inside one transaction.
// Files must be idempotent (IF NOT EXISTS); no version table is kept.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("platform/db: list migrations: %w", err)
	}
	sort.Strings(names)
	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		for _, name := range names {
			body, err := fs.ReadFile(fsys, name)
			if err != nil {
				return fmt.Errorf("platform/db: read %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("platform/db: apply %s: %w", name, err)
			}
		}
		return nil
	})
}
