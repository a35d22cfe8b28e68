//go:build linux || darwin || freebsd

package vault

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"rv-go/internal/rv"
)

// QuotaInfo reports the size and free space of the filesystem holding the root.
func (v *FileSystemVault) QuotaInfo(ctx context.Context) (*rv.QuotaInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.root, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", v.root, err)
	}
	bsize := int64(st.Bsize)
	return &rv.QuotaInfo{
		TotalSpace: int64(st.Blocks) * bsize,
		FreeSpace:  int64(st.Bavail) * bsize,
	}, nil
}
