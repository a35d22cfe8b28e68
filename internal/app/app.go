package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"rv-go/internal/backend"
	"rv-go/internal/config"
	"rv-go/internal/database"
	"rv-go/internal/encryption"
	"rv-go/internal/reconcile"
	"rv-go/internal/rv"
	"rv-go/internal/vault"
	"rv-go/internal/volume"
)

// RVApp is the application layer between the CLI and the backend manager.
// It constructs all dependencies from config, exposes the remote storage
// operations and manages the DB lifecycle on Close.
type RVApp struct {
	cfg        *config.Config
	db         *database.SQLiteDatabase
	encryptor  rv.Encryptor
	manager    *backend.Manager
	reconciler *reconcile.Reconciler
	names      *volume.Generator
	clock      rv.Clock
	op         *Operation
	logFile    *os.File
}

// NewRVApp creates a fully wired RVApp from the given config.
// operation identifies the CLI command being run (e.g. "Verify", "Put").
// The caller must call Close when done.
func NewRVApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*RVApp, error) {
	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	b, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	return newRVApp(cfg, b, operation, parameters, rv.RealClock{}, rv.UUIDGenerator{})
}

func newRVApp(cfg *config.Config, b rv.Backend, operation, parameters string, clock rv.Clock, ids rv.IDGenerator) (*RVApp, error) {
	bopts, err := backendOptions(cfg)
	if err != nil {
		return nil, err
	}
	ropts, err := reconcileOptions(cfg)
	if err != nil {
		return nil, err
	}
	consoleLevel, err := cfg.ConsoleLevel()
	if err != nil {
		return nil, fmt.Errorf("console_log_level: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.Prefix, clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	op := NewOperation(ids.New(), operation, parameters)
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, consoleLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	ectx := backend.NewExecuteContext(db, op.ID, bopts, log, clock)
	gen := volume.Options{Prefix: cfg.Prefix}
	if enc != nil {
		ectx.Encryptor = enc
		gen.Encryption = enc.Extension()
	}
	m := backend.NewManager(b, ectx)

	return &RVApp{
		cfg:        cfg,
		db:         db,
		encryptor:  enc,
		manager:    m,
		reconciler: reconcile.NewForManager(m, ropts),
		names:      volume.NewGenerator(gen),
		clock:      clock,
		op:         op,
		logFile:    logFile,
	}, nil
}

func backendOptions(cfg *config.Config) (backend.Options, error) {
	up, err := cfg.Backend.UploadLimit()
	if err != nil {
		return backend.Options{}, fmt.Errorf("max_upload_per_second: %w", err)
	}
	down, err := cfg.Backend.DownloadLimit()
	if err != nil {
		return backend.Options{}, fmt.Errorf("max_download_per_second: %w", err)
	}
	opts := backend.DefaultOptions()
	opts.NumberOfRetries = cfg.Backend.NumberOfRetries
	opts.RetryDelay = cfg.Backend.RetryDelay.Duration
	opts.RetryWithExponentialBackoff = cfg.Backend.RetryWithExponentialBackoff
	opts.MaxRetryDelay = cfg.Backend.MaxRetryDelay.Duration
	opts.MaxUploadPerSecond = up
	opts.MaxDownloadPerSecond = down
	opts.DisableThrottle = cfg.Backend.DisableThrottle
	opts.AutoCreateFolder = cfg.Backend.AutoCreateFolder
	opts.TestConnection = cfg.Backend.TestConnection
	opts.ShutdownTimeout = cfg.Backend.ShutdownTimeout.Duration
	if cfg.BaseDir != "" {
		opts.TempDir = tempDir(cfg.BaseDir)
		if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
			return backend.Options{}, fmt.Errorf("creating temp directory: %w", err)
		}
	}
	return opts, nil
}

func reconcileOptions(cfg *config.Config) (reconcile.Options, error) {
	quota, err := cfg.Verify.AssignedQuota()
	if err != nil {
		return reconcile.Options{}, fmt.Errorf("quota_size: %w", err)
	}
	return reconcile.Options{
		Prefix:                cfg.Prefix,
		Dryrun:                cfg.Dryrun,
		QuotaDisable:          cfg.Verify.QuotaDisable,
		QuotaWarningThreshold: cfg.Verify.QuotaWarningThreshold,
		QuotaSize:             quota,
		NoBackendVerification: cfg.Verify.NoBackendVerification,
	}, nil
}

// OperationID returns the id under which this invocation is recorded.
func (a *RVApp) OperationID() string { return a.op.ID }

// persistOperation saves the operation record. This should only be called
// for commands that mutate the database or the remote store.
func (a *RVApp) persistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	err := a.db.CreateOperation(&rv.Operation{
		ID:         a.op.ID,
		Operation:  a.op.Name,
		Parameters: a.op.Parameters,
		Status:     rv.OperationStatusRunning,
		StartedAt:  a.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.persisted = true
	return nil
}

// List returns the raw remote listing.
func (a *RVApp) List(ctx context.Context) ([]rv.FileEntry, error) {
	return a.manager.List(ctx)
}

// Volumes returns the local records of remote volumes.
func (a *RVApp) Volumes() ([]*rv.RemoteVolumeEntry, error) {
	return a.db.GetRemoteVolumes()
}

// Verify compares the remote listing with the local records.
func (a *RVApp) Verify(ctx context.Context, mode rv.VerifyMode) (*reconcile.AnalysisResult, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	res, err := a.reconciler.VerifyRemoteList(ctx, nil, nil, mode)
	return res, a.op.Fail(err)
}

// Repair snapshots the database and then cleans up local bookkeeping drift.
// With local set, remote copies of incomplete volumes are removed first.
func (a *RVApp) Repair(ctx context.Context, local bool) (*reconcile.AnalysisResult, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	if err := a.snapshotDatabase(); err != nil {
		return nil, a.op.Fail(err)
	}
	if local {
		if err := a.reconciler.VerifyLocalList(ctx); err != nil {
			return nil, a.op.Fail(err)
		}
	}
	protected, err := a.db.TemporaryFilelistVolumeNames(false)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	res, err := a.reconciler.RemoteListAnalysis(ctx, protected, nil, rv.VerifyAndCleanForced)
	return res, a.op.Fail(err)
}

// snapshotDatabase copies the database next to itself before a repair.
func (a *RVApp) snapshotDatabase() error {
	path := a.db.Path()
	if path == "" || path == ":memory:" {
		return nil
	}
	dest := path + ".backup"
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old database snapshot: %w", err)
	}
	return a.db.BackupTo(dest)
}

// ParseVolumeType parses the CLI spelling of a volume type.
func ParseVolumeType(s string) (rv.RemoteVolumeType, error) {
	switch strings.ToLower(s) {
	case "blocks", "dblock":
		return rv.VolumeTypeBlocks, nil
	case "index", "dindex":
		return rv.VolumeTypeIndex, nil
	case "files", "dlist":
		return rv.VolumeTypeFiles, nil
	default:
		return "", fmt.Errorf("unknown volume type: %q", s)
	}
}

// Put uploads the local file at path as a new volume and returns its
// remote name.
func (a *RVApp) Put(ctx context.Context, path string, volType rv.RemoteVolumeType) (string, error) {
	if err := a.persistOperation(); err != nil {
		return "", err
	}
	if a.encryptor != nil && !a.encryptor.IsConfigured() {
		return "", a.op.Fail(fmt.Errorf("encryption keys are not configured, run 'rv keys init'"))
	}
	if _, err := os.Stat(path); err != nil {
		return "", a.op.Fail(fmt.Errorf("reading %s: %w", path, err))
	}

	now := a.clock.Now()
	name, err := a.names.Filename(volType, now)
	if err != nil {
		return "", a.op.Fail(err)
	}
	vol := backend.FileVolume(name, volType, path)
	if volType == rv.VolumeTypeFiles {
		vol.Timestamp = now
	}
	if err := a.manager.Put(ctx, vol, nil, nil, true); err != nil {
		return "", a.op.Fail(err)
	}
	if err := a.manager.FlushPendingMessages(); err != nil {
		return "", a.op.Fail(err)
	}
	return name, nil
}

// Get downloads name to dest. Encrypted volumes are decrypted with the
// private key unlocked by the passphrase returned from passphrase.
func (a *RVApp) Get(ctx context.Context, name, dest string, passphrase func() (string, error)) error {
	entry, err := a.db.GetRemoteVolume(name)
	if err != nil {
		return err
	}

	if a.encryptor != nil && volume.IsEncrypted(name) {
		pw, err := passphrase()
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		dc, err := a.encryptor.Unlock(pw)
		if err != nil {
			return fmt.Errorf("unlocking private key: %w", err)
		}
		a.manager.Context().Decrypter = dc
	}

	size, hash := int64(-1), ""
	if entry != nil {
		size, hash = entry.Size, entry.Hash
	} else {
		a.manager.Context().Logger.Warn("Downloading file without a local record", "name", name)
	}
	tf, err := a.manager.GetWithInfo(ctx, name, size, hash)
	if err != nil {
		return err
	}
	defer tf.Remove()
	return copyFile(tf, dest)
}

func copyFile(tf *backend.TempFile, dest string) error {
	in, err := tf.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return out.Close()
}

// Delete removes name from the remote store.
func (a *RVApp) Delete(ctx context.Context, name string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	size := int64(-1)
	entry, err := a.db.GetRemoteVolume(name)
	if err != nil {
		return a.op.Fail(err)
	}
	if entry != nil {
		size = entry.Size
	}
	if err := a.manager.Delete(ctx, name, size, true); err != nil {
		return a.op.Fail(err)
	}
	return a.op.Fail(a.manager.FlushPendingMessages())
}

// Quota returns the backend quota, or nil if the backend cannot report it.
func (a *RVApp) Quota(ctx context.Context) (*rv.QuotaInfo, error) {
	return a.manager.QuotaInfo(ctx)
}

// UploadVerificationFile uploads the verification manifest and returns its
// remote name.
func (a *RVApp) UploadVerificationFile(ctx context.Context) (string, error) {
	if err := a.persistOperation(); err != nil {
		return "", err
	}
	if err := a.reconciler.UploadVerificationFile(ctx); err != nil {
		return "", a.op.Fail(err)
	}
	return reconcile.VerificationFilename(a.cfg.Prefix), nil
}

// WriteVerificationFile writes the verification manifest to w.
func (a *RVApp) WriteVerificationFile(w io.Writer) error {
	return a.reconciler.CreateVerificationFile(w)
}

// UpdateThrottle changes the transfer limits of the running manager. An empty
// size keeps the current limit of that direction; "0" removes it.
func (a *RVApp) UpdateThrottle(upload, download string) error {
	ectx := a.manager.Context()
	up, err := throttleValue(upload, ectx.UploadLimiter.Limit())
	if err != nil {
		return fmt.Errorf("upload limit: %w", err)
	}
	down, err := throttleValue(download, ectx.DownloadLimiter.Limit())
	if err != nil {
		return fmt.Errorf("download limit: %w", err)
	}
	a.manager.UpdateThrottleValues(up, down)
	return nil
}

func throttleValue(s string, current int64) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return current, nil
	}
	return config.ParseSize(s)
}

// History returns the most recent operations.
func (a *RVApp) History(limit int) ([]*rv.Operation, error) {
	return a.db.ListOperations(limit)
}

// RemoteOperations returns the remote calls made by an operation.
func (a *RVApp) RemoteOperations(operationID string) ([]*rv.RemoteOperation, error) {
	return a.db.ListRemoteOperations(operationID)
}

// Stats returns the figures collected so far.
func (a *RVApp) Stats() rv.StatsSnapshot {
	return a.manager.Context().Stats.Snapshot()
}

// Close shuts the backend manager down, finishes the operation record and
// closes the database.
func (a *RVApp) Close() error {
	var firstErr error

	if err := a.manager.Close(); err != nil {
		firstErr = err
		a.op.Fail(err)
	}

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status, a.clock.Now()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}

	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// InitKeys generates the encryption key pair, protected by passphrase.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	if enc == nil {
		return fmt.Errorf("encryption is disabled in the configuration")
	}
	if enc.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	return enc.Setup(passphrase)
}
