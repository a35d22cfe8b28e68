package rv

import (
	"sync"
	"time"
)

// BackendStats collects figures about the remote store. It is shared between
// the engine and the reconciler; all access is mutex guarded.
type BackendStats struct {
	mu sync.Mutex

	knownFileCount    int64
	knownFileSize     int64
	unknownFileCount  int64
	unknownFileSize   int64
	knownFilesets     int64
	backupListCount   int64
	lastBackupDate    time.Time
	totalQuotaSpace   int64
	freeQuotaSpace    int64
	assignedQuotaSize int64

	bytesUploaded   int64
	bytesDownloaded int64

	reportedQuotaWarning bool
	reportedQuotaError   bool
}

// NewBackendStats returns stats with unknown quota figures.
func NewBackendStats() *BackendStats {
	return &BackendStats{totalQuotaSpace: -1, freeQuotaSpace: -1, assignedQuotaSize: -1}
}

// StatsSnapshot is a point in time copy of BackendStats.
type StatsSnapshot struct {
	KnownFileCount    int64
	KnownFileSize     int64
	UnknownFileCount  int64
	UnknownFileSize   int64
	KnownFilesets     int64
	BackupListCount   int64
	LastBackupDate    time.Time
	TotalQuotaSpace   int64
	FreeQuotaSpace    int64
	AssignedQuotaSize int64
	BytesUploaded     int64
	BytesDownloaded   int64
}

func (s *BackendStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		KnownFileCount:    s.knownFileCount,
		KnownFileSize:     s.knownFileSize,
		UnknownFileCount:  s.unknownFileCount,
		UnknownFileSize:   s.unknownFileSize,
		KnownFilesets:     s.knownFilesets,
		BackupListCount:   s.backupListCount,
		LastBackupDate:    s.lastBackupDate,
		TotalQuotaSpace:   s.totalQuotaSpace,
		FreeQuotaSpace:    s.freeQuotaSpace,
		AssignedQuotaSize: s.assignedQuotaSize,
		BytesUploaded:     s.bytesUploaded,
		BytesDownloaded:   s.bytesDownloaded,
	}
}

// SetListing records the figures derived from one remote listing.
func (s *BackendStats) SetListing(knownCount, knownSize, unknownCount, unknownSize, filesets, backupLists int64, lastBackup time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownFileCount = knownCount
	s.knownFileSize = knownSize
	s.unknownFileCount = unknownCount
	s.unknownFileSize = unknownSize
	s.knownFilesets = filesets
	s.backupListCount = backupLists
	s.lastBackupDate = lastBackup
}

// SetQuota records the backend quota. Pass -1 for unknown figures.
func (s *BackendStats) SetQuota(total, free int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalQuotaSpace = total
	s.freeQuotaSpace = free
}

func (s *BackendStats) SetAssignedQuota(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedQuotaSize = size
}

func (s *BackendStats) AddUploaded(n int64) {
	s.mu.Lock()
	s.bytesUploaded += n
	s.mu.Unlock()
}

func (s *BackendStats) AddDownloaded(n int64) {
	s.mu.Lock()
	s.bytesDownloaded += n
	s.mu.Unlock()
}

// MarkQuotaWarning sets the warning-reported flag and returns its previous value.
func (s *BackendStats) MarkQuotaWarning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.reportedQuotaWarning
	s.reportedQuotaWarning = true
	return prev
}

// MarkQuotaError sets the error-reported flag and returns its previous value.
func (s *BackendStats) MarkQuotaError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.reportedQuotaError
	s.reportedQuotaError = true
	return prev
}

// QuotaErrorReported reports whether a quota error was already logged.
func (s *BackendStats) QuotaErrorReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportedQuotaError
}
