package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Status describes the schema version of a database relative to the
// migrations embedded in the binary.
type Status struct {
	Current   uint
	Latest    uint
	Versioned bool // false when no migration was ever applied
	Dirty     bool
}

// Err returns nil when the schema is current, otherwise an error describing
// the mismatch.
func (s Status) Err() error {
	switch {
	case !s.Versioned:
		return fmt.Errorf("database has no schema version (needs migration)")
	case s.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", s.Current)
	case s.Current < s.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			s.Current, s.Latest, s.Latest-s.Current)
	case s.Current > s.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			s.Current, s.Latest)
	}
	return nil
}

// ReadStatus reports the schema version of db.
func ReadStatus(db *sql.DB) (Status, error) {
	var st Status

	latest, err := LatestVersion()
	if err != nil {
		return st, err
	}
	st.Latest = latest

	// m is not closed: that would close db, which the caller owns.
	m, err := newMigrate(db)
	if err != nil {
		return st, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to get database version: %w", err)
	}
	st.Current, st.Dirty, st.Versioned = version, dirty, true
	return st, nil
}

// CheckDBMigrationStatus returns nil if db is at the latest schema version.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	return st.Err()
}

// MigrateUp applies all pending migrations. An up-to-date database is not an
// error.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// LatestVersion returns the highest migration version embedded in the binary.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, err
	}
	return m, nil
}

func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			// os.ErrNotExist marks the end of the list.
			return v, nil
		}
		v = next
	}
}
