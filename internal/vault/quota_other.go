//go:build !(linux || darwin || freebsd)

package vault

import (
	"context"

	"rv-go/internal/rv"
)

// QuotaInfo is not supported on this platform.
func (v *FileSystemVault) QuotaInfo(ctx context.Context) (*rv.QuotaInfo, error) {
	return nil, rv.ErrQuotaUnsupported
}
