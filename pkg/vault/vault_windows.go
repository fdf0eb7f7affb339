//go:build windows

package vault

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func diskSpace(dir string) (*DiskSpaceInfo, error) {
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &available, &total, &free); err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{
		Total:     total,
		Available: available,
		UsedPct:   usedPct,
	}, nil
}
