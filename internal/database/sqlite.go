package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rv-go/internal/database/migrations"
	"rv-go/internal/rv"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const keyTerminatedWithActiveUploads = "terminated-with-active-uploads"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteDatabase implements the rv.Database interface using SQLite.
type SQLiteDatabase struct {
	writer
	db   *sql.DB
	path string
}

// writer holds the write operations so they can run against the connection
// or inside a Batch transaction.
type writer struct {
	q     querier
	clock rv.Clock
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
// A nil clock uses the wall clock.
func NewSQLiteDatabase(path string, clock rv.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, clock rv.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = rv.RealClock{}
	}
	return &SQLiteDatabase{
		writer: writer{q: db, clock: clock},
		db:     db,
		path:   path,
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database is per connection, and PRAGMAs
	// below only apply to the connection they ran on.
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// Remote volume operations

const volumeColumns = "id, name, type, state, size, hash, delete_grace_time, archive_time"

func scanVolume(scan func(dest ...any) error) (*rv.RemoteVolumeEntry, error) {
	var (
		v              rv.RemoteVolumeEntry
		typ, state     string
		grace, archive int64
	)
	if err := scan(&v.ID, &v.Name, &typ, &state, &v.Size, &v.Hash, &grace, &archive); err != nil {
		return nil, err
	}
	st, err := rv.ParseRemoteVolumeState(state)
	if err != nil {
		return nil, err
	}
	v.Type = rv.RemoteVolumeType(typ)
	v.State = st
	v.DeleteGracePeriod = fromUnix(grace)
	v.ArchiveTime = fromUnix(archive)
	return &v, nil
}

func (s *SQLiteDatabase) queryVolumes(query string, args ...any) ([]*rv.RemoteVolumeEntry, error) {
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rv.RemoteVolumeEntry
	for rows.Next() {
		v, err := scanVolume(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) GetRemoteVolumes() ([]*rv.RemoteVolumeEntry, error) {
	vols, err := s.queryVolumes("SELECT " + volumeColumns + " FROM remote_volumes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing remote volumes: %w", err)
	}
	return vols, nil
}

func (s *SQLiteDatabase) GetRemoteVolume(name string) (*rv.RemoteVolumeEntry, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT "+volumeColumns+` FROM remote_volumes
		WHERE name = ? AND state != ?
		ORDER BY id DESC LIMIT 1`, name, string(rv.StateDeleted))
	v, err := scanVolume(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding remote volume %s: %w", name, err)
	}
	return v, nil
}

func (s *SQLiteDatabase) RegisterRemoteVolume(name string, volType rv.RemoteVolumeType, state rv.RemoteVolumeState) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO remote_volumes (name, type, state, size, hash) VALUES (?, ?, ?, -1, '')",
		name, string(volType), string(state))
	if err != nil {
		return 0, fmt.Errorf("registering remote volume %s: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteDatabase) RemoveRemoteVolumes(names []string) error {
	if len(names) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	// filesets go with their volume through ON DELETE CASCADE
	_, err := s.db.ExecContext(context.Background(),
		"DELETE FROM remote_volumes WHERE name IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("removing remote volumes: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UnlinkRemoteVolume(name string, state rv.RemoteVolumeState) error {
	_, err := s.db.ExecContext(context.Background(),
		"DELETE FROM remote_volumes WHERE name = ? AND state = ?", name, string(state))
	if err != nil {
		return fmt.Errorf("unlinking remote volume %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteDatabase) DuplicateRemoteVolumes() ([]*rv.RemoteVolumeEntry, error) {
	deleted := string(rv.StateDeleted)
	vols, err := s.queryVolumes("SELECT "+volumeColumns+` FROM remote_volumes
		WHERE state != ? AND name IN (
			SELECT name FROM remote_volumes WHERE state != ?
			GROUP BY name HAVING COUNT(*) > 1
		)
		ORDER BY name, id`, deleted, deleted)
	if err != nil {
		return nil, fmt.Errorf("finding duplicate remote volumes: %w", err)
	}
	return vols, nil
}

func (s *SQLiteDatabase) TerminatedWithActiveUploads() (bool, error) {
	var value string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT value FROM configuration WHERE key = ?", keyTerminatedWithActiveUploads).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading active uploads flag: %w", err)
	}
	return value == "true", nil
}

// Fileset operations

func (s *SQLiteDatabase) FilesetTimes() ([]time.Time, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT timestamp FROM filesets ORDER BY timestamp DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	defer rows.Close()

	var result []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		result = append(result, time.Unix(ts, 0).UTC())
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) TemporaryFilelistVolumeNames(latestOnly bool) ([]string, error) {
	query := "SELECT name FROM remote_volumes WHERE type = ? AND state = ? ORDER BY id DESC"
	if latestOnly {
		query += " LIMIT 1"
	}
	rows, err := s.db.QueryContext(context.Background(), query,
		string(rv.VolumeTypeFiles), string(rv.StateTemporary))
	if err != nil {
		return nil, fmt.Errorf("listing temporary filelists: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Operation records

func (s *SQLiteDatabase) CreateOperation(op *rv.Operation) error {
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO operations (id, operation, parameters, status, started_at) VALUES (?, ?, ?, ?, ?)",
		op.ID, op.Operation, op.Parameters, op.Status, op.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FinishOperation(id string, status string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(context.Background(),
		"UPDATE operations SET status = ?, finished_at = ? WHERE id = ?",
		status, finishedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing operation: no operation with id %s", id)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*rv.Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, operation, parameters, status, started_at, finished_at
		FROM operations ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*rv.Operation
	for rows.Next() {
		var (
			op       rv.Operation
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &started, &finished); err != nil {
			return nil, err
		}
		op.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			t := time.Unix(finished.Int64, 0).UTC()
			op.FinishedAt = &t
		}
		result = append(result, &op)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) ListRemoteOperations(operationID string) ([]*rv.RemoteOperation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT operation_id, timestamp, operation, path, data
		FROM remote_operations WHERE operation_id = ? ORDER BY id`, operationID)
	if err != nil {
		return nil, fmt.Errorf("listing remote operations: %w", err)
	}
	defer rows.Close()

	var result []*rv.RemoteOperation
	for rows.Next() {
		var (
			op rv.RemoteOperation
			ts int64
		)
		if err := rows.Scan(&op.OperationID, &ts, &op.Operation, &op.Path, &op.Data); err != nil {
			return nil, err
		}
		op.Timestamp = time.Unix(ts, 0).UTC()
		result = append(result, &op)
	}
	return result, rows.Err()
}

// Batch runs fn inside a single transaction. fn must only use w; the
// connection is held by the transaction until fn returns.
func (s *SQLiteDatabase) Batch(fn func(w rv.DatabaseWriter) error) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&writer{q: tx, clock: s.clock}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Write operations

func (w *writer) UpdateRemoteVolume(u rv.VolumeUpdate) error {
	ctx := context.Background()
	now := w.clock.Now()

	var grace int64
	if u.DeleteGrace > 0 {
		grace = now.Add(u.DeleteGrace).Unix()
	}

	// Prefer the newest live record, fall back to the newest of any state.
	var id int64
	err := w.q.QueryRowContext(ctx,
		`SELECT id FROM remote_volumes WHERE name = ?
		ORDER BY (state != ?) DESC, id DESC LIMIT 1`,
		u.Name, string(rv.StateDeleted)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if u.State == rv.StateDeleted {
			return nil
		}
		typ := u.Type
		if typ == "" {
			typ = rv.VolumeTypeBlocks
		}
		var archive int64
		if u.Archived != nil && *u.Archived {
			archive = now.Unix()
		}
		_, err = w.q.ExecContext(ctx,
			`INSERT INTO remote_volumes (name, type, state, size, hash, delete_grace_time, archive_time)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.Name, string(typ), string(u.State), u.Size, u.Hash, grace, archive)
		if err != nil {
			return fmt.Errorf("inserting remote volume %s: %w", u.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding remote volume %s: %w", u.Name, err)
	}

	query := "UPDATE remote_volumes SET state = ?, size = ?, hash = ?, delete_grace_time = ?"
	args := []any{string(u.State), u.Size, u.Hash, grace}
	if u.Archived != nil {
		var archive int64
		if *u.Archived {
			archive = now.Unix()
		}
		query += ", archive_time = ?"
		args = append(args, archive)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := w.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating remote volume %s: %w", u.Name, err)
	}
	return nil
}

func (w *writer) SetTerminatedWithActiveUploads(active bool) error {
	value := "false"
	if active {
		value = "true"
	}
	_, err := w.q.ExecContext(context.Background(),
		`INSERT INTO configuration (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyTerminatedWithActiveUploads, value)
	if err != nil {
		return fmt.Errorf("writing active uploads flag: %w", err)
	}
	return nil
}

func (w *writer) AddFileset(volumeName string, timestamp time.Time) error {
	ctx := context.Background()
	var id int64
	err := w.q.QueryRowContext(ctx,
		"SELECT id FROM remote_volumes WHERE name = ? AND state != ? ORDER BY id DESC LIMIT 1",
		volumeName, string(rv.StateDeleted)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("adding fileset: no remote volume named %s", volumeName)
		}
		return fmt.Errorf("adding fileset: %w", err)
	}
	_, err = w.q.ExecContext(ctx,
		"INSERT INTO filesets (volume_id, timestamp) VALUES (?, ?)", id, timestamp.Unix())
	if err != nil {
		return fmt.Errorf("adding fileset: %w", err)
	}
	return nil
}

func (w *writer) LogRemoteOperation(op *rv.RemoteOperation) error {
	_, err := w.q.ExecContext(context.Background(),
		`INSERT INTO remote_operations (operation_id, timestamp, operation, path, data)
		VALUES (?, ?, ?, ?, ?)`,
		op.OperationID, op.Timestamp.Unix(), op.Operation, op.Path, op.Data)
	if err != nil {
		return fmt.Errorf("logging remote operation: %w", err)
	}
	return nil
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// Utility methods

func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements rv.Database interface
var _ rv.Database = (*SQLiteDatabase)(nil)
