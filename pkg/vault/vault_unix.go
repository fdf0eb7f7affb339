//go:build !windows

package vault

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func diskSpace(dir string) (*DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}

	bsize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * bsize
	free := uint64(stat.Bfree) * bsize

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{
		Total:     total,
		Available: uint64(stat.Bavail) * bsize,
		UsedPct:   usedPct,
	}, nil
}
