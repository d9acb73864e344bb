package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// migrationsTable records applied schema versions on every backend.
const migrationsTable = "anchord_schema_migrations"

// dialect holds what differs between backends when applying schema files.
type dialect struct {
	dir         string
	appliedType string
	insert      string
	stamp       func(time.Time) any
}

func dialectFor(driver DBDriver) (dialect, error) {
	switch driver {
	case DBSQLite:
		return dialect{
			dir:         "migrations/sqlite",
			appliedType: "TEXT",
			insert:      "INSERT INTO " + migrationsTable + "(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING",
			stamp:       func(t time.Time) any { return t.Format(time.RFC3339) },
		}, nil
	case DBPostgres:
		return dialect{
			dir:         "migrations/postgres",
			appliedType: "TIMESTAMPTZ",
			insert:      "INSERT INTO " + migrationsTable + "(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING",
			stamp:       func(t time.Time) any { return t },
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// Migrate brings the anchord schema up to date. Each schema file runs in its
// own transaction together with its version row, so a version is either
// fully applied or not recorded. Running it again is a no-op.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  version TEXT PRIMARY KEY,\n  applied_at %s NOT NULL\n)", migrationsTable, d.appliedType)
	if _, err := db.Exec(create); err != nil {
		return fmt.Errorf("create %s: %w", migrationsTable, err)
	}

	versions, err := schemaVersions(d.dir)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, version := range versions {
		if err := applyVersion(db, d, version, now); err != nil {
			return err
		}
	}
	return nil
}

func applyVersion(db *sql.DB, d dialect, version string, now time.Time) error {
	body, err := migrationsFS.ReadFile(path.Join(d.dir, version+".sql"))
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(d.insert, version, d.stamp(now))
	if err != nil {
		return fmt.Errorf("record schema %s: %w", version, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return nil
	}

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("apply schema %s: %w", version, err)
	}
	return tx.Commit()
}

// schemaVersions lists the file stems under dir in apply order.
func schemaVersions(dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(e.Name(), ".sql"))
	}
	sort.Strings(versions)
	return versions, nil
}
