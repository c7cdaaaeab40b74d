package pgxaudit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationFiles returns migration file names embedded in the package.
func MigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// CopyMigrations writes embedded migration files into dstDir so they can be
// handed to an external migration tool. It fails if any target file exists.
func CopyMigrations(dstDir string) ([]string, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}

	files, err := MigrationFiles()
	if err != nil {
		return nil, err
	}

	for _, name := range files {
		target := filepath.Join(dstDir, name)
		if _, err := os.Stat(target); err == nil {
			return nil, fmt.Errorf("migration already exists: %s", target)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking existing migration %s: %w", target, err)
		}

		content, err := fs.ReadFile(embeddedMigrations, path.Join("migrations", name))
		if err != nil {
			return nil, fmt.Errorf("reading embedded migration %s: %w", name, err)
		}

		if err := os.WriteFile(target, content, 0o644); err != nil {
			return nil, fmt.Errorf("writing migration %s: %w", target, err)
		}
	}

	return files, nil
}

// ApplyMigrations runs the embedded migrations that db has not seen yet,
// recording each one in audit.schema_migrations. It returns the names
// applied by this call.
func ApplyMigrations(ctx context.Context, db DB) ([]string, error) {
	_, err := db.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS audit;
		CREATE TABLE IF NOT EXISTS audit.schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}

	files, err := MigrationFiles()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range files {
		var done bool
		err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit.schema_migrations WHERE name = $1)`, name,
		).Scan(&done)
		if err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", name, err)
		}
		if done {
			continue
		}

		content, err := fs.ReadFile(embeddedMigrations, path.Join("migrations", name))
		if err != nil {
			return applied, fmt.Errorf("reading embedded migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(content)); err != nil {
			return applied, fmt.Errorf("applying migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, `INSERT INTO audit.schema_migrations (name) VALUES ($1)`, name); err != nil {
			return applied, fmt.Errorf("recording migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
