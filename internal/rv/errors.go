package rv

import (
	"errors"
	"fmt"
)

var (
	// ErrFileMissing is wrapped by backends when a remote file does not exist.
	ErrFileMissing = errors.New("remote file missing")

	// ErrFolderMissing is wrapped by backends when the target container does not exist.
	ErrFolderMissing = errors.New("remote folder missing")

	// ErrQuotaUnsupported is returned by QuotaBackend implementations that
	// cannot report quota on the current platform or configuration.
	ErrQuotaUnsupported = errors.New("quota information not supported")

	// ErrManagerStopped is returned for every operation submitted after the
	// backend manager queue was retired or faulted.
	ErrManagerStopped = errors.New("backend manager is stopped")
)

// IntegrityError reports a downloaded file whose hash or size differs from
// what the local database expects. It is never retried.
type IntegrityError struct {
	Name     string
	Tag      string // "HashMismatch" or "SizeMismatch"
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Tag == "SizeMismatch" {
		return fmt.Sprintf("downloaded file %s has size %s but %s was expected", e.Name, e.Actual, e.Expected)
	}
	return fmt.Sprintf("hash mismatch on file %s: recorded hash %s, actual hash %s", e.Name, e.Expected, e.Actual)
}

// VerificationError is a consistency failure found while comparing the local
// database against the remote store. Message is meant for the operator.
type VerificationError struct {
	Tag     string
	Message string
}

func (e *VerificationError) Error() string { return e.Message }

// NewVerificationError builds a VerificationError with a formatted message.
func NewVerificationError(tag, format string, args ...any) *VerificationError {
	return &VerificationError{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// ErrorTag returns the machine-readable tag of err, or "" if it has none.
func ErrorTag(err error) string {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Tag
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Tag
	}
	return ""
}

// IsNotFound reports whether err means a remote file or folder is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFileMissing) || errors.Is(err, ErrFolderMissing)
}
