package rv

import "time"

// Database provides the metadata operations used by the backend manager and
// the reconciler. Writes from the execution engine go through Batch so a
// collector flush is a single transaction.
type Database interface {
	DatabaseWriter

	// Remote volume queries

	// GetRemoteVolumes returns every remote volume record, ordered by id.
	GetRemoteVolumes() ([]*RemoteVolumeEntry, error)

	// GetRemoteVolume returns the most recent live record for name.
	// Returns nil, nil if there is none.
	GetRemoteVolume(name string) (*RemoteVolumeEntry, error)

	// RegisterRemoteVolume inserts a new record and returns its id.
	RegisterRemoteVolume(name string, volType RemoteVolumeType, state RemoteVolumeState) (int64, error)

	// RemoveRemoteVolumes physically deletes all records with the given names.
	RemoveRemoteVolumes(names []string) error

	// UnlinkRemoteVolume physically deletes the records of name in state.
	UnlinkRemoteVolume(name string, state RemoteVolumeState) error

	// DuplicateRemoteVolumes returns the live records of every name that has
	// more than one live record.
	DuplicateRemoteVolumes() ([]*RemoteVolumeEntry, error)

	// TerminatedWithActiveUploads reports whether the previous run ended with
	// uploads still in flight.
	TerminatedWithActiveUploads() (bool, error)

	// Fileset queries

	// FilesetTimes returns the timestamps of all recorded filesets, newest first.
	FilesetTimes() ([]time.Time, error)

	// TemporaryFilelistVolumeNames returns the names of Files-type volumes
	// still in Temporary state.
	TemporaryFilelistVolumeNames(latestOnly bool) ([]string, error)

	// Operation records

	CreateOperation(op *Operation) error
	FinishOperation(id string, status string, finishedAt time.Time) error
	ListOperations(limit int) ([]*Operation, error)
	ListRemoteOperations(operationID string) ([]*RemoteOperation, error)

	// Batch runs fn inside a single transaction.
	Batch(fn func(w DatabaseWriter) error) error

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}

// DatabaseWriter is the write surface available inside a Batch.
type DatabaseWriter interface {
	// UpdateRemoteVolume applies u to the most recent live record of u.Name,
	// inserting a Blocks-type record if none exists.
	UpdateRemoteVolume(u VolumeUpdate) error

	// SetTerminatedWithActiveUploads records the active-upload flag.
	SetTerminatedWithActiveUploads(active bool) error

	// AddFileset records a fileset backed by the named Files-type volume.
	AddFileset(volumeName string, timestamp time.Time) error

	// LogRemoteOperation appends an entry to the remote operation log.
	LogRemoteOperation(op *RemoteOperation) error
}

// RemoteOperation is one entry of the remote operation log.
type RemoteOperation struct {
	OperationID string
	Timestamp   time.Time
	Operation   string // list, get, put, delete, quota, createfolder
	Path        string
	Data        string
}

// Operation records one state-mutating invocation of the tool.
type Operation struct {
	ID         string
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

const (
	OperationStatusRunning = "running"
	OperationStatusSuccess = "success"
	OperationStatusError   = "error"
)
