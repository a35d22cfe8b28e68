package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rv-go/internal/backend"
	"rv-go/internal/database"
	"rv-go/internal/rv"
	"rv-go/internal/testutil"
)

type fixture struct {
	r       *Reconciler
	manager *backend.Manager
	backend *testutil.RecordingBackend
	db      *database.SQLiteDatabase
	logger  *testutil.RecordingLogger
	clock   *testutil.StubClock
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()

	clock := testutil.FixedClock()
	db := testutil.NewTestDatabase(t, clock)
	logger := testutil.NewRecordingLogger()
	b := testutil.NewRecordingBackend()

	bopts := backend.DefaultOptions()
	bopts.NumberOfRetries = 2
	bopts.RetryDelay = time.Millisecond
	bopts.MaxRetryDelay = 5 * time.Millisecond
	bopts.TempDir = t.TempDir()

	ectx := backend.NewExecuteContext(db, "op-1", bopts, logger, clock)
	m := backend.NewManager(b, ectx)
	t.Cleanup(func() { m.Close() })

	opts := Options{Prefix: "rv", QuotaWarningThreshold: 10, QuotaSize: -1}
	for _, fn := range configure {
		fn(&opts)
	}

	return &fixture{
		r:       NewForManager(m, opts),
		manager: m,
		backend: b,
		db:      db,
		logger:  logger,
		clock:   clock,
	}
}

// seed records name locally with the given state and size.
func (f *fixture) seed(t *testing.T, name string, volType rv.RemoteVolumeType, state rv.RemoteVolumeState, size int64) {
	t.Helper()
	_, err := f.db.RegisterRemoteVolume(name, volType, state)
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateRemoteVolume(rv.VolumeUpdate{Name: name, State: state, Size: size, Hash: "hash-" + name}))
}

// store puts size bytes under name in the remote vault.
func (f *fixture) store(t *testing.T, name string, size int64) {
	t.Helper()
	require.NoError(t, f.backend.MemoryVault.Put(context.Background(), name, bytes.NewReader(make([]byte, size))))
}

func (f *fixture) setActive(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.SetTerminatedWithActiveUploads(true))
}

// state returns the state of the newest record of name.
func (f *fixture) state(t *testing.T, name string) (rv.RemoteVolumeState, bool) {
	t.Helper()
	vols, err := f.db.GetRemoteVolumes()
	require.NoError(t, err)
	var st rv.RemoteVolumeState
	found := false
	for _, v := range vols {
		if v.Name == name {
			st, found = v.State, true
		}
	}
	return st, found
}

func (f *fixture) entry(t *testing.T, name string) *rv.RemoteVolumeEntry {
	t.Helper()
	vols, err := f.db.GetRemoteVolumes()
	require.NoError(t, err)
	var e *rv.RemoteVolumeEntry
	for _, v := range vols {
		if v.Name == name {
			e = v
		}
	}
	require.NotNil(t, e, "no record for %s", name)
	return e
}

func requireTag(t *testing.T, err error, tag string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, tag, rv.ErrorTag(err), "error: %v", err)
}

func TestRemoteListAnalysis_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "rv-b0a.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
	f.seed(t, "rv-b0b.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 50)
	f.store(t, "rv-b0a.dblock.zip", 100)
	f.setActive(t)

	res, err := f.r.RemoteListAnalysis(ctx, nil, nil, rv.VerifyAndClean)
	require.NoError(t, err)

	st, ok := f.state(t, "rv-b0a.dblock.zip")
	require.True(t, ok)
	assert.Equal(t, rv.StateVerified, st)

	_, ok = f.state(t, "rv-b0b.dblock.zip")
	assert.False(t, ok, "missing uploading volume should be removed locally")

	assert.Empty(t, res.Missing)
	assert.Empty(t, res.Extra)
	assert.Len(t, res.Parsed, 1)
	assert.True(t, f.logger.HasTag("SchedulingMissingFileForDelete"))
	assert.Zero(t, f.backend.Count("delete"))

	active, err := f.db.TerminatedWithActiveUploads()
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRemoteListAnalysis_UnknownFilesAreNeverDeleted(t *testing.T) {
	for _, mode := range []rv.VerifyMode{rv.VerifyOnly, rv.VerifyStrict, rv.VerifyAndClean, rv.VerifyAndCleanForced} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t)
			f.setActive(t)
			f.store(t, "notes.txt", 7)
			f.store(t, "rv-b01.dblock.zip", 10)
			f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)

			res, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, mode)
			require.NoError(t, err)

			require.Len(t, res.Unknown, 1)
			assert.Equal(t, "notes.txt", res.Unknown[0].Name)
			assert.Empty(t, res.Extra)

			unknown := f.logger.Tagged("UnknownFile")
			require.Len(t, unknown, 1)
			assert.Equal(t, "WARN", unknown[0].Level)
			assert.Equal(t, "notes.txt", unknown[0].Attrs["name"])

			snap := f.r.Stats().Snapshot()
			assert.Equal(t, int64(1), snap.UnknownFileCount)
			assert.Equal(t, int64(7), snap.UnknownFileSize)
			assert.Equal(t, int64(1), snap.KnownFileCount)
			assert.Equal(t, int64(10), snap.KnownFileSize)

			assert.Zero(t, f.backend.Count("delete"))
			assert.True(t, f.backend.Has("notes.txt"))
		})
	}
}

func TestRemoteListAnalysis_DuplicateRemoteNames(t *testing.T) {
	for _, mode := range []rv.VerifyMode{rv.VerifyOnly, rv.VerifyStrict, rv.VerifyAndClean, rv.VerifyAndCleanForced} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t)
			f.setActive(t)
			f.backend.SetListing([]rv.FileEntry{
				{Name: "rv-b01.dblock.zip", Size: 10},
				{Name: "rv-b01.dblock.zip", Size: 10},
			})

			_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, mode)
			requireTag(t, err, "DuplicateRemoteFiles")
			assert.Contains(t, err.Error(), "rv-b01.dblock.zip")
		})
	}
}

func TestRemoteListAnalysis_DuplicateNamesOutsidePrefix(t *testing.T) {
	for _, name := range []string{"other-b01.dblock.zip", "notes.txt"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.setActive(t)
			f.backend.SetListing([]rv.FileEntry{
				{Name: name, Size: 10},
				{Name: "rv-b01.dblock.zip", Size: 10},
				{Name: name, Size: 10},
			})

			_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
			requireTag(t, err, "DuplicateRemoteFiles")
			assert.Contains(t, err.Error(), name)
			assert.NotContains(t, err.Error(), "rv-b01.dblock.zip")
		})
	}
}

type remotePresence int

const (
	remoteMissing remotePresence = iota
	remoteCorrect
	remoteWrongSize
)

func TestRemoteListAnalysis_TransitionTable(t *testing.T) {
	const name = "rv-b01.dblock.zip"
	const size = 100

	tests := []struct {
		state  rv.RemoteVolumeState
		remote remotePresence
		mode   rv.VerifyMode

		wantState   rv.RemoteVolumeState // "" means the record is gone
		wantDelete  bool
		wantMissing bool
		wantVerify  bool
		wantErr     string
	}{
		{state: rv.StateDeleted, remote: remoteCorrect, mode: rv.VerifyOnly, wantState: rv.StateDeleted},
		{state: rv.StateDeleted, remote: remoteCorrect, mode: rv.VerifyAndClean, wantState: rv.StateDeleted},
		{state: rv.StateDeleted, remote: remoteMissing, mode: rv.VerifyStrict, wantState: rv.StateDeleted},

		{state: rv.StateTemporary, remote: remoteCorrect, mode: rv.VerifyOnly, wantState: rv.StateTemporary},
		{state: rv.StateTemporary, remote: remoteCorrect, mode: rv.VerifyStrict, wantState: rv.StateDeleted, wantDelete: true},
		{state: rv.StateTemporary, remote: remoteCorrect, mode: rv.VerifyAndClean, wantState: rv.StateDeleted, wantDelete: true},
		{state: rv.StateTemporary, remote: remoteWrongSize, mode: rv.VerifyAndClean, wantState: rv.StateDeleted, wantDelete: true},
		{state: rv.StateTemporary, remote: remoteMissing, mode: rv.VerifyOnly, wantState: rv.StateTemporary},
		{state: rv.StateTemporary, remote: remoteMissing, mode: rv.VerifyStrict},
		{state: rv.StateTemporary, remote: remoteMissing, mode: rv.VerifyAndClean},

		{state: rv.StateDeleting, remote: remoteCorrect, mode: rv.VerifyOnly, wantState: rv.StateDeleting},
		{state: rv.StateDeleting, remote: remoteCorrect, mode: rv.VerifyAndClean, wantState: rv.StateDeleted, wantDelete: true},
		{state: rv.StateDeleting, remote: remoteMissing, mode: rv.VerifyAndClean},
		{state: rv.StateDeleting, remote: remoteMissing, mode: rv.VerifyOnly, wantState: rv.StateDeleting},

		{state: rv.StateUploading, remote: remoteCorrect, mode: rv.VerifyOnly, wantState: rv.StateUploaded},
		{state: rv.StateUploading, remote: remoteCorrect, mode: rv.VerifyStrict, wantState: rv.StateUploaded},
		{state: rv.StateUploading, remote: remoteCorrect, mode: rv.VerifyAndClean, wantState: rv.StateUploaded},
		{state: rv.StateUploading, remote: remoteWrongSize, mode: rv.VerifyOnly, wantState: rv.StateUploading},
		{state: rv.StateUploading, remote: remoteWrongSize, mode: rv.VerifyStrict, wantErr: "UnexpectedUploadingFile"},
		{state: rv.StateUploading, remote: remoteWrongSize, mode: rv.VerifyAndClean, wantState: rv.StateDeleted, wantDelete: true},
		{state: rv.StateUploading, remote: remoteMissing, mode: rv.VerifyOnly, wantState: rv.StateDeleting},
		{state: rv.StateUploading, remote: remoteMissing, mode: rv.VerifyStrict, wantErr: "UnexpectedUploadingFile"},
		{state: rv.StateUploading, remote: remoteMissing, mode: rv.VerifyAndClean},

		{state: rv.StateUploaded, remote: remoteCorrect, mode: rv.VerifyOnly, wantState: rv.StateVerified},
		{state: rv.StateUploaded, remote: remoteCorrect, mode: rv.VerifyStrict, wantState: rv.StateVerified},
		{state: rv.StateUploaded, remote: remoteWrongSize, mode: rv.VerifyAndClean, wantState: rv.StateUploaded, wantVerify: true},
		{state: rv.StateUploaded, remote: remoteMissing, mode: rv.VerifyAndClean, wantState: rv.StateUploaded, wantMissing: true},

		{state: rv.StateVerified, remote: remoteCorrect, mode: rv.VerifyStrict, wantState: rv.StateVerified},
		{state: rv.StateVerified, remote: remoteWrongSize, mode: rv.VerifyOnly, wantState: rv.StateVerified, wantVerify: true},
		{state: rv.StateVerified, remote: remoteMissing, mode: rv.VerifyStrict, wantState: rv.StateVerified, wantMissing: true},
		{state: rv.StateVerified, remote: remoteMissing, mode: rv.VerifyAndClean, wantState: rv.StateVerified, wantMissing: true},
	}

	for _, tt := range tests {
		remote := [...]string{"missing", "correct", "wrongsize"}[tt.remote]
		t.Run(string(tt.state)+"/"+remote+"/"+tt.mode.String(), func(t *testing.T) {
			f := newFixture(t)
			if tt.mode == rv.VerifyAndClean {
				f.setActive(t)
			}
			f.seed(t, name, rv.VolumeTypeBlocks, tt.state, size)
			switch tt.remote {
			case remoteCorrect:
				f.store(t, name, size)
			case remoteWrongSize:
				f.store(t, name, size+1)
			}

			res, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, tt.mode)
			if tt.wantErr != "" {
				requireTag(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			st, ok := f.state(t, name)
			if tt.wantState == "" {
				assert.False(t, ok, "record should be removed, has state %s", st)
			} else {
				require.True(t, ok, "record should exist")
				assert.Equal(t, tt.wantState, st)
			}

			if tt.wantDelete {
				assert.Equal(t, []string{name}, f.backend.Names("delete"))
				assert.False(t, f.backend.Has(name))
			} else {
				assert.Zero(t, f.backend.Count("delete"))
			}

			assert.Equal(t, tt.wantMissing, len(res.Missing) == 1, "missing: %v", res.Missing)
			assert.Equal(t, tt.wantVerify, len(res.VerificationRequired) == 1)
			assert.Empty(t, res.Extra)
		})
	}
}

func TestRemoteListAnalysis_CleanWithoutActiveUploadsIsStrict(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 10)

	_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyAndClean)
	requireTag(t, err, "UnexpectedUploadingFile")

	st, ok := f.state(t, "rv-b01.dblock.zip")
	require.True(t, ok)
	assert.Equal(t, rv.StateUploading, st)
}

func TestRemoteListAnalysis_ForcedCleansWithoutActiveUploads(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 10)

	_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyAndCleanForced)
	require.NoError(t, err)

	_, ok := f.state(t, "rv-b01.dblock.zip")
	assert.False(t, ok)
}

func TestRemoteListAnalysis_StrictExemptIsScheduledButFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 10)

	_, err := f.r.RemoteListAnalysis(context.Background(), nil, []string{"rv-b01.dblock.zip"}, rv.VerifyStrict)
	requireTag(t, err, "DeleteDuringStrictMode")
	assert.Contains(t, err.Error(), `"repair"`)
}

func TestRemoteListAnalysis_ProtectedVolumes(t *testing.T) {
	f := newFixture(t)
	f.setActive(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 10)
	f.seed(t, "rv-20240115T100000Z.dlist.zip", rv.VolumeTypeFiles, rv.StateTemporary, 10)
	protected := []string{"rv-b01.dblock.zip", "rv-20240115T100000Z.dlist.zip"}

	_, err := f.r.RemoteListAnalysis(context.Background(), protected, nil, rv.VerifyAndClean)
	require.NoError(t, err)

	st, ok := f.state(t, "rv-b01.dblock.zip")
	require.True(t, ok)
	assert.Equal(t, rv.StateTemporary, st)

	st, ok = f.state(t, "rv-20240115T100000Z.dlist.zip")
	require.True(t, ok)
	assert.Equal(t, rv.StateTemporary, st)

	assert.Len(t, f.logger.Tagged("KeepIncompleteFile"), 2)

	active, err := f.db.TerminatedWithActiveUploads()
	require.NoError(t, err)
	assert.True(t, active, "flag stays set while protected volumes exist")
}

func TestRemoteListAnalysis_GracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const name = "rv-b01.dblock.zip"

	_, err := f.db.RegisterRemoteVolume(name, rv.VolumeTypeBlocks, rv.StateDeleting)
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateRemoteVolume(rv.VolumeUpdate{
		Name: name, State: rv.StateDeleting, Size: 10, DeleteGrace: time.Hour,
	}))

	_, err = f.r.RemoteListAnalysis(ctx, nil, nil, rv.VerifyAndCleanForced)
	require.NoError(t, err)
	st, ok := f.state(t, name)
	require.True(t, ok, "kept during grace period")
	assert.Equal(t, rv.StateDeleting, st)
	assert.True(t, f.logger.HasTag("KeepDeleteRequest"))

	f.clock.Advance(2 * time.Hour)

	_, err = f.r.RemoteListAnalysis(ctx, nil, nil, rv.VerifyAndCleanForced)
	require.NoError(t, err)
	_, ok = f.state(t, name)
	assert.False(t, ok, "removed once the grace period has passed")
	assert.True(t, f.logger.HasTag("RemoteUnwantedMissingFile"))
}

func TestRemoteListAnalysis_UploadingMissingGetsGracePeriod(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 10)

	_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
	require.NoError(t, err)

	e := f.entry(t, "rv-b01.dblock.zip")
	assert.Equal(t, rv.StateDeleting, e.State)
	assert.Equal(t, f.clock.GraceDeadline(2*time.Hour).Unix(), e.DeleteGracePeriod.Unix())
}

func TestRemoteListAnalysis_AmbiguousLocalState(t *testing.T) {
	f := newFixture(t)
	const name = "rv-b01.dblock.zip"
	f.seed(t, name, rv.VolumeTypeBlocks, rv.StateVerified, 10)
	_, err := f.db.RegisterRemoteVolume(name, rv.VolumeTypeBlocks, rv.StateUploaded)
	require.NoError(t, err)
	f.store(t, name, 10)

	_, err = f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
	requireTag(t, err, "AmbiguousStateRemoteFiles")
}

func TestRemoteListAnalysis_UnlinksTransientDuplicate(t *testing.T) {
	f := newFixture(t)
	const name = "rv-b01.dblock.zip"
	f.seed(t, name, rv.VolumeTypeBlocks, rv.StateVerified, 10)
	_, err := f.db.RegisterRemoteVolume(name, rv.VolumeTypeBlocks, rv.StateUploading)
	require.NoError(t, err)
	f.store(t, name, 10)

	_, err = f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
	require.NoError(t, err)

	vols, err := f.db.GetRemoteVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, rv.StateVerified, vols[0].State)
	assert.True(t, f.logger.HasTag("UnlinkDuplicateVolume"))
}

// Archived files on cold storage tiers may be listed with size 0. They are
// treated as having the correct size.
func TestRemoteListAnalysis_ArchivedZeroSizeCountsAsCorrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const name = "rv-b01.dblock.zip"
	f.seed(t, name, rv.VolumeTypeBlocks, rv.StateVerified, 100)

	f.backend.SetListing([]rv.FileEntry{{Name: name, Size: 0, IsArchived: true}})
	res, err := f.r.RemoteListAnalysis(ctx, nil, nil, rv.VerifyOnly)
	require.NoError(t, err)
	assert.Empty(t, res.VerificationRequired)
	assert.Equal(t, f.clock.Now().Unix(), f.entry(t, name).ArchiveTime.Unix())

	f.backend.SetListing([]rv.FileEntry{{Name: name, Size: 0}})
	res, err = f.r.RemoteListAnalysis(ctx, nil, nil, rv.VerifyOnly)
	require.NoError(t, err)
	assert.Len(t, res.VerificationRequired, 1, "a non archived zero size file is a size mismatch")
	assert.True(t, f.entry(t, name).ArchiveTime.IsZero())
	assert.True(t, f.logger.HasTag("MissingRemoteHash"))
}

func TestRemoteListAnalysis_UnknownRemoteSize(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploaded, 100)
	f.seed(t, "rv-b02.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 100)
	f.setActive(t)
	f.backend.SetListing([]rv.FileEntry{
		{Name: "rv-b01.dblock.zip", Size: -1},
		{Name: "rv-b02.dblock.zip", Size: -1},
	})

	_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
	require.NoError(t, err)

	st, _ := f.state(t, "rv-b01.dblock.zip")
	assert.Equal(t, rv.StateVerified, st)
	// an upload is only promoted when the backend confirms its size
	st, _ = f.state(t, "rv-b02.dblock.zip")
	assert.Equal(t, rv.StateUploading, st)
	assert.True(t, f.logger.HasTag("WouldDeleteIncompleteFile"))
	assert.True(t, f.logger.HasTag("ActiveUploadsDetected"))
}

func TestRemoteListAnalysis_Dryrun(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Dryrun = true })
	f.setActive(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateTemporary, 10)
	f.store(t, "rv-b01.dblock.zip", 10)

	_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyAndClean)
	require.NoError(t, err)

	assert.Zero(t, f.backend.Count("delete"))
	assert.True(t, f.backend.Has("rv-b01.dblock.zip"))
	assert.True(t, f.logger.HasTag("WouldDeleteRemoteFile"))

	active, err := f.db.TerminatedWithActiveUploads()
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRemoteListAnalysis_Stats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-20240110T080000Z.dlist.zip", rv.VolumeTypeFiles, rv.StateVerified, 5)
	f.seed(t, "rv-20240112T080000Z.dlist.zip", rv.VolumeTypeFiles, rv.StateVerified, 5)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 20)
	require.NoError(t, f.db.AddFileset("rv-20240110T080000Z.dlist.zip", time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)))
	require.NoError(t, f.db.AddFileset("rv-20240112T080000Z.dlist.zip", time.Date(2024, 1, 12, 8, 0, 0, 0, time.UTC)))

	f.store(t, "rv-20240110T080000Z.dlist.zip", 5)
	f.store(t, "rv-20240112T080000Z.dlist.zip", 5)
	f.store(t, "rv-b01.dblock.zip", 20)
	f.store(t, "other-b02.dblock.zip", 1000)

	res, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
	require.NoError(t, err)
	assert.Len(t, res.Other, 1)
	assert.Equal(t, []string{"other", "rv"}, res.BackupPrefixes())

	snap := f.r.Stats().Snapshot()
	assert.Equal(t, int64(3), snap.KnownFileCount)
	assert.Equal(t, int64(30), snap.KnownFileSize)
	assert.Equal(t, int64(2), snap.KnownFilesets)
	assert.Equal(t, int64(2), snap.BackupListCount)
	assert.Equal(t, time.Date(2024, 1, 12, 8, 0, 0, 0, time.UTC), snap.LastBackupDate)
}

func TestCheckQuota(t *testing.T) {
	t.Run("backend quota exceeded", func(t *testing.T) {
		f := newFixture(t)
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 1000, FreeSpace: 0})

		require.NoError(t, f.r.CheckQuota(context.Background()))
		require.NoError(t, f.r.CheckQuota(context.Background()))

		entries := f.logger.Tagged("BackendQuotaExceeded")
		require.Len(t, entries, 1, "reported once")
		assert.Equal(t, "ERROR", entries[0].Level)
		snap := f.r.Stats().Snapshot()
		assert.Equal(t, int64(1000), snap.TotalQuotaSpace)
		assert.Equal(t, int64(0), snap.FreeQuotaSpace)
	})

	t.Run("backend quota near", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 1000, FreeSpace: 5})

		_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)

		entries := f.logger.Tagged("BackendQuotaNear")
		require.Len(t, entries, 1)
		assert.Equal(t, "WARN", entries[0].Level)
	})

	t.Run("plenty of space", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 10000, FreeSpace: 5000})

		_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)
		assert.False(t, f.logger.HasTag("BackendQuotaNear"))
		assert.False(t, f.logger.HasTag("BackendQuotaExceeded"))
	})

	t.Run("assigned quota exceeded", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.QuotaSize = 50 })
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)

		_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)
		assert.True(t, f.logger.HasTag("AssignedQuotaExceeded"))
		assert.Equal(t, int64(50), f.r.Stats().Snapshot().AssignedQuotaSize)
	})

	t.Run("assigned quota near", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.QuotaSize = 105 })
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)

		_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)
		assert.True(t, f.logger.HasTag("AssignedQuotaNear"))
	})

	t.Run("no near warning after an error", func(t *testing.T) {
		// backend quota exhausted, assigned quota merely close
		f := newFixture(t, func(o *Options) { o.QuotaSize = 105 })
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 1000, FreeSpace: 0})

		_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)
		assert.True(t, f.logger.HasTag("BackendQuotaExceeded"))
		assert.False(t, f.logger.HasTag("AssignedQuotaNear"))
	})

	t.Run("backend near suppressed by an earlier error", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)
		f.r.Stats().MarkQuotaError()
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 1000, FreeSpace: 5})

		_, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)
		assert.False(t, f.logger.HasTag("BackendQuotaNear"))
	})

	t.Run("quota failure is not fatal", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.QuotaSize = 50 })
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 100)
		f.store(t, "rv-b01.dblock.zip", 100)
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 1000, FreeSpace: 500})
		transport := errors.New("connection reset")
		f.backend.FailNext("quota", "", transport, transport, transport)

		res, err := f.r.RemoteListAnalysis(context.Background(), nil, nil, rv.VerifyOnly)
		require.NoError(t, err)
		require.NotNil(t, res)

		entries := f.logger.Tagged("BackendQuotaFailed")
		require.Len(t, entries, 1)
		assert.Equal(t, "WARN", entries[0].Level)
		snap := f.r.Stats().Snapshot()
		assert.Equal(t, int64(-1), snap.TotalQuotaSpace, "quota stays unknown")
		assert.True(t, f.logger.HasTag("AssignedQuotaExceeded"), "assigned quota is still checked")
	})

	t.Run("quota on a stopped manager", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Close()
		err := f.r.CheckQuota(context.Background())
		require.ErrorIs(t, err, rv.ErrManagerStopped)
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.QuotaDisable = true })
		f.backend.SetQuota(&rv.QuotaInfo{TotalSpace: 1000, FreeSpace: 0})

		require.NoError(t, f.r.CheckQuota(context.Background()))
		assert.Zero(t, f.backend.Count("quota"))
		assert.False(t, f.logger.HasTag("BackendQuotaExceeded"))
	})

	t.Run("unsupported", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.r.CheckQuota(context.Background()))
		assert.Equal(t, int64(-1), f.r.Stats().Snapshot().TotalQuotaSpace)
	})
}

func TestVerifyRemoteList_ExtraFiles(t *testing.T) {
	f := newFixture(t)
	f.store(t, "rv-b01.dblock.zip", 10)
	f.store(t, "rv-b02.dblock.zip", 10)

	res, err := f.r.VerifyRemoteList(context.Background(), nil, nil, rv.VerifyOnly)
	requireTag(t, err, "ExtraRemoteFiles")
	assert.Contains(t, err.Error(), "Found 2 remote files")
	assert.Contains(t, err.Error(), "repair")
	require.NotNil(t, res)
	require.Len(t, res.Extra, 2)
	assert.Equal(t, "rv-b01.dblock.zip", res.Extra[0].File.Name)
	assert.Len(t, f.logger.Tagged("ExtraUnknownFile"), 2)
	assert.Zero(t, f.backend.Count("delete"))
}

func TestVerifyRemoteList_MissingFiles(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)

	_, err := f.r.VerifyRemoteList(context.Background(), nil, nil, rv.VerifyOnly)
	requireTag(t, err, "MissingRemoteFiles")
	assert.Contains(t, err.Error(), "Please run repair")
	assert.True(t, f.logger.HasTag("MissingFile"))
}

func TestVerifyRemoteList_MissingFilesPrefixHint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)
	f.store(t, "other-b01.dblock.zip", 10)

	_, err := f.r.VerifyRemoteList(context.Background(), nil, nil, rv.VerifyOnly)
	requireTag(t, err, "MissingRemoteFiles")
	assert.Contains(t, err.Error(), `prefix "other"`)
}

func TestVerifyRemoteList_ExemptMissingFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)

	res, err := f.r.VerifyRemoteList(context.Background(), nil, []string{"rv-b01.dblock.zip"}, rv.VerifyOnly)
	require.NoError(t, err)
	assert.Len(t, res.Missing, 1)
}

func TestVerifyRemoteList_Clean(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploaded, 10)
	f.store(t, "rv-b01.dblock.zip", 10)

	res, err := f.r.VerifyRemoteList(context.Background(), nil, nil, rv.VerifyStrict)
	require.NoError(t, err)
	assert.Len(t, res.Parsed, 1)
	st, _ := f.state(t, "rv-b01.dblock.zip")
	assert.Equal(t, rv.StateVerified, st)
}

func TestVerifyRemoteListForBackup(t *testing.T) {
	t.Run("protects temporary filelists", func(t *testing.T) {
		f := newFixture(t)
		f.setActive(t)
		f.seed(t, "rv-20240115T100000Z.dlist.zip", rv.VolumeTypeFiles, rv.StateTemporary, 10)

		require.NoError(t, f.r.VerifyRemoteListForBackup(context.Background(), true, rv.VerifyAndClean))

		st, ok := f.state(t, "rv-20240115T100000Z.dlist.zip")
		require.True(t, ok)
		assert.Equal(t, rv.StateTemporary, st)
		assert.True(t, f.logger.HasTag("KeepIncompleteFile"))
	})

	t.Run("skipped", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.NoBackendVerification = true })
		f.store(t, "rv-b01.dblock.zip", 10)

		require.NoError(t, f.r.VerifyRemoteListForBackup(context.Background(), false, rv.VerifyStrict))
		assert.Zero(t, f.backend.Count("list"))
	})
}

func TestVerifyLocalList(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateTemporary, 10)
	f.seed(t, "rv-b02.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploading, 10)
	f.seed(t, "rv-b03.dblock.zip", rv.VolumeTypeBlocks, rv.StateDeleting, 10)
	f.seed(t, "rv-b04.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)
	for _, n := range []string{"rv-b01.dblock.zip", "rv-b02.dblock.zip", "rv-b03.dblock.zip", "rv-b04.dblock.zip"} {
		f.store(t, n, 10)
	}
	boom := errors.New("connection reset")
	f.backend.FailNext("delete", "rv-b02.dblock.zip", boom, boom, boom)

	require.NoError(t, f.r.VerifyLocalList(context.Background()))

	assert.False(t, f.backend.Has("rv-b01.dblock.zip"))
	assert.True(t, f.backend.Has("rv-b02.dblock.zip"), "failed deletion leaves the file")
	assert.False(t, f.backend.Has("rv-b03.dblock.zip"))
	assert.True(t, f.backend.Has("rv-b04.dblock.zip"))
	assert.NotContains(t, f.backend.Names("delete"), "rv-b04.dblock.zip")

	assert.Len(t, f.logger.Tagged("RemovingStaleFile"), 3)
	assert.True(t, f.logger.HasTag("DeleteFileFailed"))

	st, _ := f.state(t, "rv-b01.dblock.zip")
	assert.Equal(t, rv.StateDeleted, st)
}

func TestCreateVerificationFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)
	f.seed(t, "rv-b02.dblock.zip", rv.VolumeTypeBlocks, rv.StateTemporary, 10)
	f.seed(t, "rv-i03.dindex.zip", rv.VolumeTypeIndex, rv.StateUploaded, 3)

	var buf bytes.Buffer
	require.NoError(t, f.r.CreateVerificationFile(&buf))

	var got []rv.RemoteVolumeEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "rv-b01.dblock.zip", got[0].Name)
	assert.Equal(t, rv.StateVerified, got[0].State)
	assert.Equal(t, "hash-rv-b01.dblock.zip", got[0].Hash)
	assert.Equal(t, rv.VolumeTypeIndex, got[1].Type)
}

func TestUploadVerificationFile(t *testing.T) {
	t.Run("uploads", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateVerified, 10)

		require.NoError(t, f.r.UploadVerificationFile(context.Background()))
		assert.Equal(t, []string{"rv-verification.json"}, f.backend.Names("put"))

		var buf bytes.Buffer
		require.NoError(t, f.backend.MemoryVault.Get(context.Background(), "rv-verification.json", &buf))
		assert.True(t, strings.HasPrefix(buf.String(), "["))
		assert.Contains(t, buf.String(), "rv-b01.dblock.zip")

		// the manifest is not a volume
		v, err := f.db.GetRemoteVolume("rv-verification.json")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("dryrun", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Dryrun = true })

		require.NoError(t, f.r.UploadVerificationFile(context.Background()))
		assert.Zero(t, f.backend.Count("put"))
		assert.True(t, f.logger.HasTag("WouldUploadVerificationFile"))
	})
}

type fakeManager struct {
	listing []rv.FileEntry
	deletes []string
}

func (m *fakeManager) List(context.Context) ([]rv.FileEntry, error) { return m.listing, nil }
func (m *fakeManager) Delete(_ context.Context, name string, _ int64, _ bool) error {
	m.deletes = append(m.deletes, name)
	return nil
}
func (m *fakeManager) QuotaInfo(context.Context) (*rv.QuotaInfo, error) { return nil, nil }
func (m *fakeManager) PutVerificationFile(_ context.Context, vol *backend.Volume) error {
	rc, err := vol.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.ReadAll(rc)
	return err
}
func (m *fakeManager) WaitForEmpty(context.Context) error { return nil }
func (m *fakeManager) FlushPendingMessages() error        { return nil }

func TestReconciler_AcceptsAnyManager(t *testing.T) {
	clock := testutil.FixedClock()
	db := testutil.NewTestDatabase(t, clock)
	m := &fakeManager{listing: []rv.FileEntry{
		{Name: "rv-b01.dblock.zip", Size: 4},
		{Name: "subdir", IsFolder: true},
	}}
	_, err := db.RegisterRemoteVolume("rv-b01.dblock.zip", rv.VolumeTypeBlocks, rv.StateUploaded)
	require.NoError(t, err)
	require.NoError(t, db.UpdateRemoteVolume(rv.VolumeUpdate{Name: "rv-b01.dblock.zip", State: rv.StateUploaded, Size: 4}))

	r := New(m, db, nil, Options{Prefix: "rv", QuotaSize: -1}, nil, clock)
	res, err := r.VerifyRemoteList(context.Background(), nil, nil, rv.VerifyOnly)
	require.NoError(t, err)
	assert.Empty(t, res.Unknown, "folders are skipped")
	assert.Empty(t, m.deletes)
	assert.True(t, IsVerificationError(rv.NewVerificationError("X", "x"), "X"))
}
