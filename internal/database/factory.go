package database

import (
	"fmt"
	"os"
	"path/filepath"

	"rv-go/internal/config"
	"rv-go/internal/rv"
)

// NewDatabaseFromConfig opens the database described by cfg and brings its
// schema to the latest version. The sqlite file is named after prefix so
// several backup sets can share a data directory.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, prefix string, clock rv.Clock) (*SQLiteDatabase, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = filepath.Join(cfg.DataDir, prefix+".db")
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	db, err := NewSQLiteDatabase(path, clock)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
