package rv

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorTag(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"verification", NewVerificationError("ExtraRemoteFiles", "found %d files", 2), "ExtraRemoteFiles"},
		{"wrapped verification", fmt.Errorf("verifying: %w", NewVerificationError("MissingRemoteFiles", "x")), "MissingRemoteFiles"},
		{"integrity", &IntegrityError{Name: "a", Tag: "HashMismatch"}, "HashMismatch"},
		{"plain", errors.New("boom"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorTag(tt.err); got != tt.want {
				t.Errorf("ErrorTag() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("get x: %w", ErrFileMissing)) {
		t.Error("IsNotFound(wrapped ErrFileMissing) = false, want true")
	}
	if !IsNotFound(ErrFolderMissing) {
		t.Error("IsNotFound(ErrFolderMissing) = false, want true")
	}
	if IsNotFound(errors.New("connection reset")) {
		t.Error("IsNotFound(transport error) = true, want false")
	}
}

func TestIntegrityError_Message(t *testing.T) {
	err := &IntegrityError{Name: "rv-b1.dblock.zip", Tag: "SizeMismatch", Expected: "100", Actual: "90"}
	msg := err.Error()
	if !strings.Contains(msg, "rv-b1.dblock.zip") || !strings.Contains(msg, "90") {
		t.Errorf("Error() = %q, want name and actual value", msg)
	}
}

func TestParseVerifyMode(t *testing.T) {
	m, err := ParseVerifyMode("strict")
	if err != nil {
		t.Fatalf("ParseVerifyMode(strict) error = %v", err)
	}
	if m != VerifyStrict {
		t.Errorf("ParseVerifyMode(strict) = %v, want VerifyStrict", m)
	}
	if m.String() != "VerifyStrict" {
		t.Errorf("String() = %q, want VerifyStrict", m.String())
	}

	if _, err := ParseVerifyMode("bogus"); err == nil {
		t.Error("ParseVerifyMode(bogus) should fail")
	}
}

func TestParseRemoteVolumeState(t *testing.T) {
	st, err := ParseRemoteVolumeState("Verified")
	if err != nil {
		t.Fatalf("ParseRemoteVolumeState(Verified) error = %v", err)
	}
	if st != StateVerified {
		t.Errorf("ParseRemoteVolumeState(Verified) = %v, want StateVerified", st)
	}

	if _, err := ParseRemoteVolumeState("verified"); err == nil {
		t.Error("state names are case sensitive")
	}
}
