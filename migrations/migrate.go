package migrations

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

// Apply runs every embedded migration file in lexical order. Statements are
// written to be idempotent, so re-applying on startup is safe.
func Apply(ctx context.Context, db *sqlx.DB) error {
	entries, err := FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("migrations: read dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sql)); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}

	return nil
}
