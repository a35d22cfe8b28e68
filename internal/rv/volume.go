package rv

import (
	"fmt"
	"time"
)

// RemoteVolumeState is the local belief about a remote volume.
type RemoteVolumeState string

const (
	// StateTemporary means created locally, not yet confirmed present remotely.
	StateTemporary RemoteVolumeState = "Temporary"
	// StateUploading means a transfer is in flight or was interrupted.
	StateUploading RemoteVolumeState = "Uploading"
	// StateUploaded means the transfer completed but no listing confirmed it yet.
	StateUploaded RemoteVolumeState = "Uploaded"
	// StateVerified means a listing confirmed the volume with a matching size.
	StateVerified RemoteVolumeState = "Verified"
	// StateDeleting means removal is scheduled, possibly after a grace period.
	StateDeleting RemoteVolumeState = "Deleting"
	// StateDeleted means removal is confirmed.
	StateDeleted RemoteVolumeState = "Deleted"
)

// ParseRemoteVolumeState converts a stored state string back to its constant.
func ParseRemoteVolumeState(s string) (RemoteVolumeState, error) {
	switch st := RemoteVolumeState(s); st {
	case StateTemporary, StateUploading, StateUploaded, StateVerified, StateDeleting, StateDeleted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown remote volume state: %q", s)
	}
}

// RemoteVolumeType identifies what a volume holds.
type RemoteVolumeType string

const (
	VolumeTypeFiles  RemoteVolumeType = "Files"
	VolumeTypeBlocks RemoteVolumeType = "Blocks"
	VolumeTypeIndex  RemoteVolumeType = "Index"
)

// RemoteVolumeEntry is the local database record of a remote volume.
type RemoteVolumeEntry struct {
	ID                int64             `json:"ID"`
	Name              string            `json:"Name"`
	Type              RemoteVolumeType  `json:"Type"`
	State             RemoteVolumeState `json:"State"`
	Size              int64             `json:"Size"`
	Hash              string            `json:"Hash"`
	DeleteGracePeriod time.Time         `json:"DeleteGracePeriod"`
	ArchiveTime       time.Time         `json:"ArchiveTime"`
}

// VolumeUpdate describes a state change for a remote volume. Updates are
// upserts: a name without a record gets one.
type VolumeUpdate struct {
	Name  string
	Type  RemoteVolumeType // only used when the update inserts a record
	State RemoteVolumeState
	Size  int64
	Hash  string

	// DeleteGrace sets the grace period to now+DeleteGrace when positive and
	// clears it otherwise.
	DeleteGrace time.Duration

	// Archived sets (true) or clears (false) the archive timestamp.
	// nil leaves it unchanged.
	Archived *bool
}

// VerifyMode controls how the reconciler reacts to drift.
type VerifyMode int

const (
	// VerifyOnly reports drift without repairing anything.
	VerifyOnly VerifyMode = iota
	// VerifyStrict fails on any drift.
	VerifyStrict
	// VerifyAndClean repairs local bookkeeping drift.
	VerifyAndClean
	// VerifyAndCleanForced repairs even if the previous run ended cleanly.
	VerifyAndCleanForced
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyOnly:
		return "VerifyOnly"
	case VerifyStrict:
		return "VerifyStrict"
	case VerifyAndClean:
		return "VerifyAndClean"
	case VerifyAndCleanForced:
		return "VerifyAndCleanForced"
	default:
		return fmt.Sprintf("VerifyMode(%d)", int(m))
	}
}

// ParseVerifyMode parses the CLI spelling of a verify mode.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch s {
	case "only", "VerifyOnly":
		return VerifyOnly, nil
	case "strict", "VerifyStrict":
		return VerifyStrict, nil
	case "clean", "VerifyAndClean":
		return VerifyAndClean, nil
	case "forced", "VerifyAndCleanForced":
		return VerifyAndCleanForced, nil
	default:
		return 0, fmt.Errorf("unknown verify mode: %q", s)
	}
}
