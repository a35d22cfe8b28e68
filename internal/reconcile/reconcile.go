// Package reconcile compares the local record of remote volumes with a live
// remote listing and repairs local bookkeeping drift.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"rv-go/internal/backend"
	"rv-go/internal/rv"
	"rv-go/internal/volume"
)

// uploadingGrace is how long a missing Uploading volume stays in Deleting
// state before a later pass removes it.
const uploadingGrace = 2 * time.Hour

// BackendManager is the part of the backend manager the reconciler needs.
type BackendManager interface {
	List(ctx context.Context) ([]rv.FileEntry, error)
	Delete(ctx context.Context, name string, size int64, waitForComplete bool) error
	QuotaInfo(ctx context.Context) (*rv.QuotaInfo, error)
	PutVerificationFile(ctx context.Context, vol *backend.Volume) error
	WaitForEmpty(ctx context.Context) error
	FlushPendingMessages() error
}

// Options control the reconciler.
type Options struct {
	Prefix string
	Dryrun bool

	QuotaDisable bool
	// QuotaWarningThreshold is the free space, as a percentage of the known
	// backup size, below which a warning is logged.
	QuotaWarningThreshold int
	// QuotaSize is a locally assigned quota in bytes, -1 for none.
	QuotaSize int64

	NoBackendVerification bool
}

// MissingHash is a volume whose remote size disagrees with the local record.
type MissingHash struct {
	RemoteSize int64
	Entry      *rv.RemoteVolumeEntry
}

// AnalysisResult is the outcome of one RemoteListAnalysis pass.
type AnalysisResult struct {
	// Parsed holds remote volumes with the configured prefix.
	Parsed []*volume.ParsedVolume
	// Extra holds parsed remote volumes with no local record, sorted by name.
	Extra []*volume.ParsedVolume
	// Other holds remote volumes belonging to a different prefix.
	Other []*volume.ParsedVolume
	// Unknown holds remote files whose names are not volume names.
	Unknown []rv.FileEntry
	// Missing holds local records with no remote file.
	Missing []*rv.RemoteVolumeEntry
	// VerificationRequired holds records whose size needs re-verification.
	VerificationRequired []MissingHash
}

// BackupPrefixes returns the distinct prefixes seen in the listing.
func (r *AnalysisResult) BackupPrefixes() []string {
	seen := map[string]bool{}
	var out []string
	add := func(vols []*volume.ParsedVolume) {
		for _, v := range vols {
			if !seen[v.Prefix] {
				seen[v.Prefix] = true
				out = append(out, v.Prefix)
			}
		}
	}
	add(r.Parsed)
	add(r.Extra)
	add(r.Other)
	sort.Strings(out)
	return out
}

// Reconciler runs consistency checks against one backend.
type Reconciler struct {
	m     BackendManager
	db    rv.Database
	stats *rv.BackendStats
	opts  Options
	log   rv.Logger
	clock rv.Clock
}

func New(m BackendManager, db rv.Database, stats *rv.BackendStats, opts Options, logger rv.Logger, clock rv.Clock) *Reconciler {
	if logger == nil {
		logger = rv.NewNopLogger()
	}
	if clock == nil {
		clock = rv.RealClock{}
	}
	if stats == nil {
		stats = rv.NewBackendStats()
	}
	return &Reconciler{m: m, db: db, stats: stats, opts: opts, log: logger, clock: clock}
}

// NewForManager builds a Reconciler that shares the manager's database,
// stats, logger and clock.
func NewForManager(m *backend.Manager, opts Options) *Reconciler {
	ectx := m.Context()
	return New(m, ectx.Database, ectx.Stats, opts, ectx.Logger, ectx.Clock)
}

// Stats returns the statistics filled in by the last analysis.
func (r *Reconciler) Stats() *rv.BackendStats { return r.stats }

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// VerifyLocalList removes the remote copy of every volume that never
// completed. Failed deletions are logged and otherwise ignored.
func (r *Reconciler) VerifyLocalList(ctx context.Context) error {
	vols, err := r.db.GetRemoteVolumes()
	if err != nil {
		return err
	}
	for _, v := range vols {
		switch v.State {
		case rv.StateTemporary, rv.StateDeleting, rv.StateUploading:
		default:
			continue
		}
		r.log.Info("Removing remote file listed as "+string(v.State), "tag", "RemovingStaleFile", "name", v.Name)
		if err := r.m.Delete(ctx, v.Name, v.Size, true); err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.log.Warn("Failed to erase file, treating as deleted", "tag", "DeleteFileFailed", "name", v.Name, "error", err)
		}
	}
	return r.m.WaitForEmpty(ctx)
}

// VerifyRemoteListForBackup runs VerifyRemoteList with the temporary
// filelists of the database protected from cleanup.
func (r *Reconciler) VerifyRemoteListForBackup(ctx context.Context, latestOnly bool, mode rv.VerifyMode) error {
	if r.opts.NoBackendVerification {
		r.log.Info("Skipping backend verification", "tag", "SkipBackendVerification")
		return nil
	}
	protected, err := r.db.TemporaryFilelistVolumeNames(latestOnly)
	if err != nil {
		return err
	}
	_, err = r.VerifyRemoteList(ctx, protected, nil, mode)
	return err
}

// VerifyRemoteList runs RemoteListAnalysis and fails on remote files without
// a local record or local records without a remote file. Names in
// strictExempt are not reported as missing.
func (r *Reconciler) VerifyRemoteList(ctx context.Context, protected, strictExempt []string, mode rv.VerifyMode) (*AnalysisResult, error) {
	res, err := r.RemoteListAnalysis(ctx, protected, strictExempt, mode)
	if err != nil {
		return nil, err
	}

	for _, e := range res.Extra {
		r.log.Warn("Extra unknown file: "+e.File.Name, "tag", "ExtraUnknownFile", "name", e.File.Name)
	}
	var missing []*rv.RemoteVolumeEntry
	for _, m := range res.Missing {
		if contains(strictExempt, m.Name) {
			continue
		}
		r.log.Warn("Missing file: "+m.Name, "tag", "MissingFile", "name", m.Name)
		missing = append(missing, m)
	}

	if len(res.Extra) > 0 {
		return res, rv.NewVerificationError("ExtraRemoteFiles",
			"Found %d remote files that are not recorded in local storage. "+
				"This can be caused by having two backups sharing a destination folder which is not supported. "+
				"It can also be caused by restoring an old database. "+
				"If you are certain that only one backup uses the folder and you have the most updated version of the database, "+
				"you can use repair to delete the unknown files.", len(res.Extra))
	}

	if len(missing) > 0 {
		hint := "Please run repair"
		prefixes := res.BackupPrefixes()
		if !contains(prefixes, r.opts.Prefix) && len(prefixes) > 0 {
			if len(prefixes) == 1 {
				hint = fmt.Sprintf("Found no files with the prefix %q, but files with the prefix %q exist. Did you forget to set the prefix?",
					r.opts.Prefix, prefixes[0])
			} else {
				hint = fmt.Sprintf("Found no files with the prefix %q, but files with the prefixes %s exist. Did you forget to set the prefix?",
					r.opts.Prefix, strings.Join(prefixes, ", "))
			}
		}
		return res, rv.NewVerificationError("MissingRemoteFiles",
			"Found %d files that are missing from the remote storage. %s", len(missing), hint)
	}

	return res, nil
}

func (r *Reconciler) partition(list []rv.FileEntry, res *AnalysisResult) {
	for _, f := range list {
		if f.IsFolder {
			continue
		}
		p := volume.Parse(f)
		switch {
		case p == nil:
			r.log.Warn("Unknown remote file: "+f.Name, "tag", "UnknownFile", "name", f.Name, "size", f.Size)
			res.Unknown = append(res.Unknown, f)
		case p.Prefix == r.opts.Prefix:
			res.Parsed = append(res.Parsed, p)
		default:
			res.Other = append(res.Other, p)
		}
	}
}

// duplicateNames returns the file names listed more than once, whatever
// their prefix.
func duplicateNames(list []rv.FileEntry) []string {
	seen := make(map[string]int, len(list))
	var dups []string
	for _, f := range list {
		if f.IsFolder {
			continue
		}
		seen[f.Name]++
		if seen[f.Name] == 2 {
			dups = append(dups, f.Name)
		}
	}
	return dups
}

func (r *Reconciler) updateStats(res *AnalysisResult) error {
	var knownCount, knownSize, filesets int64
	var lastBackup time.Time
	for _, p := range res.Parsed {
		knownCount++
		knownSize += max(0, p.File.Size)
		if p.Type == rv.VolumeTypeFiles {
			filesets++
			if p.Time.After(lastBackup) {
				lastBackup = p.Time
			}
		}
	}
	var unknownCount, unknownSize int64
	for _, f := range res.Unknown {
		unknownCount++
		unknownSize += max(0, f.Size)
	}
	times, err := r.db.FilesetTimes()
	if err != nil {
		return err
	}
	r.stats.SetListing(knownCount, knownSize, unknownCount, unknownSize, filesets, int64(len(times)), lastBackup)
	return nil
}

func isTransient(s rv.RemoteVolumeState) bool {
	return s == rv.StateUploading || s == rv.StateTemporary
}

// resolveDuplicates cleans up names with more than one live local record.
// Transient records are unlinked when the name also has a settled record.
// Two settled records for one name cannot be resolved.
func (r *Reconciler) resolveDuplicates() error {
	dups, err := r.db.DuplicateRemoteVolumes()
	if err != nil {
		return err
	}
	byName := map[string][]*rv.RemoteVolumeEntry{}
	var names []string
	for _, d := range dups {
		if _, ok := byName[d.Name]; !ok {
			names = append(names, d.Name)
		}
		byName[d.Name] = append(byName[d.Name], d)
	}

	for _, name := range names {
		var settled []*rv.RemoteVolumeEntry
		var transient []rv.RemoteVolumeState
		for _, d := range byName[name] {
			switch {
			case !isTransient(d.State):
				settled = append(settled, d)
			case len(transient) == 0 || transient[0] != d.State:
				transient = append(transient, d.State)
			}
		}
		if len(settled) > 1 {
			return rv.NewVerificationError("AmbiguousStateRemoteFiles",
				"The remote volume %s appears in the database with states %s and %s, cannot continue",
				name, settled[0].State, settled[1].State)
		}
		if len(settled) == 0 {
			r.log.Warn("Remote volume is recorded more than once while uploading", "tag", "DuplicateUploadingVolume", "name", name)
			continue
		}
		for _, st := range transient {
			r.log.Warn("Removing duplicate record of "+name, "tag", "UnlinkDuplicateVolume", "name", name, "state", string(st))
			if err := r.db.UnlinkRemoteVolume(name, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoteListAnalysis lists the remote store, compares it with the local
// records and applies the state transitions allowed by mode.
func (r *Reconciler) RemoteListAnalysis(ctx context.Context, protected, strictExempt []string, mode rv.VerifyMode) (*AnalysisResult, error) {
	active, err := r.db.TerminatedWithActiveUploads()
	if err != nil {
		return nil, err
	}
	switch {
	case mode == rv.VerifyAndClean && !active:
		mode = rv.VerifyStrict
	case mode == rv.VerifyAndCleanForced:
		mode = rv.VerifyAndClean
	}

	list, err := r.m.List(ctx)
	if err != nil {
		return nil, err
	}
	// writes queued before this pass must land before we read the records
	if err := r.m.FlushPendingMessages(); err != nil {
		return nil, err
	}

	if dups := duplicateNames(list); len(dups) > 0 {
		return nil, rv.NewVerificationError("DuplicateRemoteFiles",
			"The backend returned duplicate file names: %s", strings.Join(dups, ", "))
	}

	res := &AnalysisResult{}
	r.partition(list, res)

	if err := r.updateStats(res); err != nil {
		return nil, err
	}
	if err := r.CheckQuota(ctx); err != nil {
		return nil, err
	}
	if err := r.resolveDuplicates(); err != nil {
		return nil, err
	}

	lookup := make(map[string]*volume.ParsedVolume, len(res.Parsed))
	for _, p := range res.Parsed {
		lookup[p.File.Name] = p
	}

	locals, err := r.db.GetRemoteVolumes()
	if err != nil {
		return nil, err
	}

	strict := mode == rv.VerifyStrict
	var (
		missingUploading    []string
		temporaryAndDeleted []string
		protectedVolumes    []string
	)

	for _, e := range locals {
		remote, found := lookup[e.Name]
		correctSize := found && e.Size >= 0 && (e.Size == remote.File.Size || remote.File.Size < 0)

		if found {
			// cold storage tiers may report archived files with size 0
			if remote.File.IsArchived && remote.File.Size == 0 {
				correctSize = true
			}
			if e.State != rv.StateDeleted {
				if err := r.trackArchive(e, remote.File.IsArchived); err != nil {
					return nil, err
				}
			}
			delete(lookup, e.Name)
		}

		isProtected := contains(protected, e.Name)
		exempt := contains(strictExempt, e.Name)

		switch e.State {
		case rv.StateDeleted:
			if found {
				r.log.Info("Ignoring remote file listed as Deleted", "tag", "IgnoreRemoteDeletedFile", "name", e.Name)
			}

		case rv.StateTemporary, rv.StateDeleting:
			if found {
				if err := r.deleteRemote(ctx, e, mode, "WouldRemoveUnwantedRemoteFile", "RemoveUnwantedRemoteFile"); err != nil {
					return nil, err
				}
				continue
			}
			switch {
			case e.DeleteGracePeriod.After(r.clock.Now()):
				r.log.Info("Keeping delete request until the grace period ends", "tag", "KeepDeleteRequest",
					"name", e.Name, "grace", e.DeleteGracePeriod)
			case e.State == rv.StateTemporary && isProtected:
				protectedVolumes = append(protectedVolumes, e.Name)
				r.log.Info("Keeping protected incomplete remote file", "tag", "KeepIncompleteFile", "name", e.Name)
			default:
				r.log.Info("Removing local record of missing "+string(e.State)+" file", "tag", "RemoteUnwantedMissingFile", "name", e.Name)
				temporaryAndDeleted = append(temporaryAndDeleted, e.Name)
			}

		case rv.StateUploading:
			switch {
			case found && correctSize && remote.File.Size >= 0:
				r.log.Info("Promoting uploaded complete file from Uploading to Uploaded", "tag", "PromotingCompleteFile", "name", e.Name)
				if err := r.db.UpdateRemoteVolume(rv.VolumeUpdate{
					Name: e.Name, State: rv.StateUploaded, Size: e.Size, Hash: e.Hash,
				}); err != nil {
					return nil, err
				}

			case !found:
				switch {
				case isProtected:
					protectedVolumes = append(protectedVolumes, e.Name)
					r.log.Info("Keeping protected incomplete remote file", "tag", "KeepIncompleteFile", "name", e.Name)
					if err := r.db.UpdateRemoteVolume(rv.VolumeUpdate{
						Name: e.Name, State: rv.StateTemporary, Size: e.Size, Hash: e.Hash,
					}); err != nil {
						return nil, err
					}
				case strict && !exempt:
					return nil, rv.NewVerificationError("UnexpectedUploadingFile",
						"The missing remote volume %s is in uploading state and strict mode is on", e.Name)
				default:
					r.log.Info("Scheduling missing file for deletion", "tag", "SchedulingMissingFileForDelete", "name", e.Name)
					missingUploading = append(missingUploading, e.Name)
					if err := r.db.UpdateRemoteVolume(rv.VolumeUpdate{
						Name: e.Name, State: rv.StateDeleting, Size: e.Size, Hash: e.Hash,
						DeleteGrace: uploadingGrace,
					}); err != nil {
						return nil, err
					}
				}

			default:
				switch {
				case isProtected:
					protectedVolumes = append(protectedVolumes, e.Name)
					r.log.Info("Keeping protected incomplete remote file", "tag", "KeepIncompleteFile", "name", e.Name)
				case strict && !exempt:
					return nil, rv.NewVerificationError("UnexpectedUploadingFile",
						"The remote volume %s is in uploading state, appears to be partially uploaded, and strict mode is on", e.Name)
				default:
					if err := r.deleteRemote(ctx, e, mode, "WouldDeleteIncompleteFile", "RemovingIncompleteFile"); err != nil {
						return nil, err
					}
				}
			}

		case rv.StateUploaded:
			switch {
			case !found:
				res.Missing = append(res.Missing, e)
			case correctSize:
				if err := r.db.UpdateRemoteVolume(rv.VolumeUpdate{
					Name: e.Name, State: rv.StateVerified, Size: e.Size, Hash: e.Hash,
				}); err != nil {
					return nil, err
				}
			default:
				res.VerificationRequired = append(res.VerificationRequired, MissingHash{RemoteSize: remote.File.Size, Entry: e})
			}

		case rv.StateVerified:
			switch {
			case !found:
				res.Missing = append(res.Missing, e)
			case !correctSize:
				res.VerificationRequired = append(res.VerificationRequired, MissingHash{RemoteSize: remote.File.Size, Entry: e})
			}

		default:
			r.log.Warn("Unknown state for remote file", "tag", "UnknownFileState", "name", e.Name, "state", string(e.State))
		}
	}

	if err := r.m.WaitForEmpty(ctx); err != nil {
		return nil, err
	}

	for _, p := range lookup {
		res.Extra = append(res.Extra, p)
	}
	sort.Slice(res.Extra, func(i, j int) bool { return res.Extra[i].File.Name < res.Extra[j].File.Name })

	switch {
	case strict && len(missingUploading) > 0:
		return nil, rv.NewVerificationError("DeleteDuringStrictMode",
			"The remote volumes %s are supposed to be deleted, but strict mode is on. Try running the \"repair\" command",
			strings.Join(missingUploading, ", "))

	case mode == rv.VerifyAndClean || mode == rv.VerifyStrict:
		resolved := append(missingUploading, temporaryAndDeleted...)
		if len(resolved) > 0 {
			if err := r.db.RemoveRemoteVolumes(resolved); err != nil {
				return nil, err
			}
		}
		if !r.opts.Dryrun && len(protectedVolumes) == 0 && active {
			if err := r.db.SetTerminatedWithActiveUploads(false); err != nil {
				return nil, err
			}
		}

	case mode == rv.VerifyOnly && active:
		r.log.Warn("The previous run ended with active uploads, run repair to clean up",
			"tag", "ActiveUploadsDetected")
	}

	for _, h := range res.VerificationRequired {
		r.log.Warn(fmt.Sprintf("Remote file %s has size %d but the database expects %d", h.Entry.Name, h.RemoteSize, h.Entry.Size),
			"tag", "MissingRemoteHash", "name", h.Entry.Name)
	}

	return res, nil
}

func (r *Reconciler) trackArchive(e *rv.RemoteVolumeEntry, archived bool) error {
	var set bool
	switch {
	case archived && e.ArchiveTime.IsZero():
		set = true
	case !archived && !e.ArchiveTime.IsZero():
		set = false
	default:
		return nil
	}
	var grace time.Duration
	if now := r.clock.Now(); e.DeleteGracePeriod.After(now) {
		grace = e.DeleteGracePeriod.Sub(now)
	}
	return r.db.UpdateRemoteVolume(rv.VolumeUpdate{
		Name: e.Name, State: e.State, Size: e.Size, Hash: e.Hash,
		DeleteGrace: grace, Archived: &set,
	})
}

func (r *Reconciler) deleteRemote(ctx context.Context, e *rv.RemoteVolumeEntry, mode rv.VerifyMode, verifyTag, deleteTag string) error {
	switch {
	case r.opts.Dryrun:
		r.log.Info("[Dryrun] Would delete remote file: "+e.Name, "tag", "WouldDeleteRemoteFile", "name", e.Name, "size", e.Size)
		return nil
	case mode == rv.VerifyOnly:
		r.log.Info("Would delete remote file: "+e.Name, "tag", verifyTag, "name", e.Name, "state", string(e.State))
		return nil
	}
	r.log.Info("Deleting remote file: "+e.Name, "tag", deleteTag, "name", e.Name, "state", string(e.State))
	return r.m.Delete(ctx, e.Name, e.Size, true)
}

// CheckQuota compares the known backup size with the backend quota and the
// assigned quota. Each condition is reported once per stats instance, and no
// warning follows an error. A backend that fails to report its quota is
// logged and treated as having none; only a stopped manager or a cancelled
// context is returned.
func (r *Reconciler) CheckQuota(ctx context.Context) error {
	if r.opts.QuotaDisable {
		return nil
	}
	known := r.stats.Snapshot().KnownFileSize
	threshold := float64(r.opts.QuotaWarningThreshold) / 100

	q, err := r.m.QuotaInfo(ctx)
	if err != nil {
		if errors.Is(err, rv.ErrManagerStopped) || ctx.Err() != nil {
			return err
		}
		r.log.Warn("Failed to read the backend quota, continuing without it",
			"tag", "BackendQuotaFailed", "error", err)
		q = nil
	}
	if q != nil {
		r.stats.SetQuota(q.TotalSpace, q.FreeSpace)
		switch {
		case q.FreeSpace == 0:
			if !r.stats.MarkQuotaError() {
				r.log.Error("Backend quota has been exceeded: Using "+humanize.Bytes(uint64(known))+
					" of "+humanize.Bytes(uint64(max(0, q.TotalSpace))),
					"tag", "BackendQuotaExceeded", "known_size", known, "total", q.TotalSpace)
			}
		case q.FreeSpace > 0 && float64(q.FreeSpace) < threshold*float64(known):
			if !r.stats.QuotaErrorReported() && !r.stats.MarkQuotaWarning() {
				r.log.Warn("Backend quota is close to being exceeded: Using "+humanize.Bytes(uint64(known))+
					" with "+humanize.Bytes(uint64(q.FreeSpace))+" free",
					"tag", "BackendQuotaNear", "known_size", known, "free", q.FreeSpace)
			}
		}
	}

	r.stats.SetAssignedQuota(r.opts.QuotaSize)
	if r.opts.QuotaSize < 0 {
		return nil
	}
	switch {
	case known > r.opts.QuotaSize:
		if !r.stats.MarkQuotaError() {
			r.log.Error("Assigned quota has been exceeded: Using "+humanize.Bytes(uint64(known))+
				" of "+humanize.Bytes(uint64(r.opts.QuotaSize)),
				"tag", "AssignedQuotaExceeded", "known_size", known, "quota", r.opts.QuotaSize)
		}
	case float64(r.opts.QuotaSize-known) < threshold*float64(known):
		if !r.stats.QuotaErrorReported() && !r.stats.MarkQuotaWarning() {
			r.log.Warn("Assigned quota is close to being exceeded: Using "+humanize.Bytes(uint64(known))+
				" of "+humanize.Bytes(uint64(r.opts.QuotaSize)),
				"tag", "AssignedQuotaNear", "known_size", known, "quota", r.opts.QuotaSize)
		}
	}
	return nil
}

// CreateVerificationFile writes every non-temporary remote volume record to w
// as JSON.
func (r *Reconciler) CreateVerificationFile(w io.Writer) error {
	vols, err := r.db.GetRemoteVolumes()
	if err != nil {
		return err
	}
	out := make([]*rv.RemoteVolumeEntry, 0, len(vols))
	for _, v := range vols {
		if v.State != rv.StateTemporary {
			out = append(out, v)
		}
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding verification file: %w", err)
	}
	return nil
}

// VerificationFilename is the remote name of the verification manifest.
func VerificationFilename(prefix string) string {
	return prefix + "-verification.json"
}

// UploadVerificationFile builds the verification manifest and uploads it
// unencrypted next to the volumes.
func (r *Reconciler) UploadVerificationFile(ctx context.Context) error {
	name := VerificationFilename(r.opts.Prefix)
	if r.opts.Dryrun {
		r.log.Info("[Dryrun] Would upload verification file: "+name, "tag", "WouldUploadVerificationFile", "name", name)
		return nil
	}

	var buf strings.Builder
	if err := r.CreateVerificationFile(&buf); err != nil {
		return err
	}
	content := buf.String()
	vol := &backend.Volume{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}
	if err := r.m.PutVerificationFile(ctx, vol); err != nil {
		return err
	}
	return r.m.WaitForEmpty(ctx)
}

// IsVerificationError reports whether err is a consistency failure with the
// given tag.
func IsVerificationError(err error, tag string) bool {
	var ve *rv.VerificationError
	return errors.As(err, &ve) && ve.Tag == tag
}
