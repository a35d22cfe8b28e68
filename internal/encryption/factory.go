package encryption

import (
	"fmt"

	"rv-go/internal/config"
	"rv-go/internal/rv"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Type "none" returns a nil Encryptor: volumes are stored unencrypted
// and carry no encryption suffix.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (rv.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
