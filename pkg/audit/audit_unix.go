//go:build !windows

package audit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (l *Logger) checkDiskSpace() error {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.path, &stat); err != nil {
		// unknown free space never blocks journaling
		return nil
	}
	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	if available < MinDiskSpace {
		return fmt.Errorf("%w: only %d bytes available, need at least %d", ErrInsufficientDisk, available, MinDiskSpace)
	}
	return nil
}
