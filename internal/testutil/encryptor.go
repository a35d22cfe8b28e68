package testutil

import (
	"rv-go/internal/encryption"
	"rv-go/internal/rv"
)

// NewTestEncryptor returns a deterministic encryptor and its decryption
// context. Volume names must carry encryption.TestExtension to be encrypted.
func NewTestEncryptor() (rv.Encryptor, rv.DecryptionContext) {
	e := encryption.NewTestEncryptor()
	dec, _ := e.Unlock("")
	return e, dec
}
