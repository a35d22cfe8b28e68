// Package backend serializes all traffic to a remote store through a single
// FIFO queue. The Manager is the public entry point; the Handler is the one
// consumer that executes queued operations against the backend.
package backend

import (
	"time"

	"rv-go/internal/rv"
	"rv-go/internal/throttle"
)

// Options configure retry, throttling and startup behavior.
type Options struct {
	NumberOfRetries             int
	RetryDelay                  time.Duration
	RetryWithExponentialBackoff bool
	MaxRetryDelay               time.Duration

	MaxUploadPerSecond   int64
	MaxDownloadPerSecond int64
	DisableThrottle      bool

	AutoCreateFolder bool
	TestConnection   bool
	ShutdownTimeout  time.Duration

	// TempDir holds downloaded volumes. Empty means os.TempDir.
	TempDir string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		NumberOfRetries: 5,
		RetryDelay:      10 * time.Second,
		MaxRetryDelay:   10 * time.Minute,
		ShutdownTimeout: time.Second,
	}
}

// ExecuteContext is the state shared by the manager, the handler and the
// reconciler. Mutable parts (limiters, stats) are safe for concurrent use.
type ExecuteContext struct {
	Database  rv.Database
	Collector *Collector
	Stats     *rv.BackendStats
	Logger    rv.Logger
	Clock     rv.Clock

	UploadLimiter   *throttle.Limiter
	DownloadLimiter *throttle.Limiter

	// Encryptor encrypts uploads whose name carries an encryption suffix.
	// nil uploads as-is.
	Encryptor rv.Encryptor

	// Decrypter is used by Get when decryption is requested. nil disables it.
	Decrypter rv.DecryptionContext

	Options Options
}

// NewExecuteContext builds the shared context. Throttle limits start at the
// configured values, or unlimited when throttling is disabled.
func NewExecuteContext(db rv.Database, operationID string, opts Options, logger rv.Logger, clock rv.Clock) *ExecuteContext {
	if logger == nil {
		logger = rv.NewNopLogger()
	}
	if clock == nil {
		clock = rv.RealClock{}
	}
	up, down := opts.MaxUploadPerSecond, opts.MaxDownloadPerSecond
	if opts.DisableThrottle {
		up, down = 0, 0
	}
	return &ExecuteContext{
		Database:        db,
		Collector:       NewCollector(db, operationID, clock, logger),
		Stats:           rv.NewBackendStats(),
		Logger:          logger,
		Clock:           clock,
		UploadLimiter:   throttle.New(up),
		DownloadLimiter: throttle.New(down),
		Options:         opts,
	}
}
