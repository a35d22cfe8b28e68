package rv

import (
	"context"
	"io"
	"time"
)

// FileEntry is one item of a remote listing.
type FileEntry struct {
	Name         string
	Size         int64 // -1 when the backend does not report sizes
	LastModified time.Time
	IsFolder     bool
	IsArchived   bool // stored in a cold tier; size may be reported as 0
}

// QuotaInfo reports remote space. Negative values mean the backend did not
// report that figure.
type QuotaInfo struct {
	TotalSpace int64
	FreeSpace  int64
}

// Backend is the capability surface every remote store adapter implements.
// All operations stream through io.Reader/io.Writer so volumes are never
// loaded into memory. Missing objects must be reported by wrapping
// ErrFileMissing (or ErrFolderMissing for the container itself) so callers
// can tell them apart from transport failures.
type Backend interface {
	// List returns every entry in the target container.
	// Fails with ErrFolderMissing if the container does not exist.
	List(ctx context.Context) ([]FileEntry, error)

	// Get writes the content of the named remote file to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// Put stores everything read from r under name. r may not be seekable.
	Put(ctx context.Context, name string, r io.Reader) error

	// Delete removes the named remote file.
	Delete(ctx context.Context, name string) error

	// CreateFolder creates the target container.
	CreateFolder(ctx context.Context) error

	// Test checks connectivity and permissions.
	Test(ctx context.Context) error

	// DNSNames returns the hostnames the backend will contact.
	DNSNames(ctx context.Context) ([]string, error)
}

// QuotaBackend is implemented by backends that can report free space.
// Backends without it map to an unknown quota.
type QuotaBackend interface {
	QuotaInfo(ctx context.Context) (*QuotaInfo, error)
}

// RenameBackend is implemented by backends that can rename remote files.
type RenameBackend interface {
	Rename(ctx context.Context, oldName, newName string) error
}
