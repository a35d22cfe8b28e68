package encryption

import (
	"bytes"
	"fmt"
	"io"

	"rv-go/internal/rv"
)

// TestExtension is the volume filename suffix used by TestEncryptor.
const TestExtension = "tst"

var testHeader = []byte("RVENC\x00\x00\x01")

// TestEncryptor frames data with a fixed header instead of encrypting it.
// Ciphertext hashes differ from plaintext hashes, which is all the
// transfer path needs to be exercised without key material.
type TestEncryptor struct {
	setupCalled bool
}

var _ rv.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (rv.DecryptionContext, error) {
	return TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

func (e *TestEncryptor) Extension() string { return TestExtension }

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ rv.DecryptionContext = TestDecryptionContext{}

func (TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
