//go:build windows

package audit

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func (l *Logger) checkDiskSpace() error {
	p, err := windows.UTF16PtrFromString(l.path)
	if err != nil {
		return nil
	}
	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &available, &total, &free); err != nil {
		return nil
	}
	if available < MinDiskSpace {
		return fmt.Errorf("%w: only %d bytes available, need at least %d", ErrInsufficientDisk, available, MinDiskSpace)
	}
	return nil
}
