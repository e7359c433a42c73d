//go:build windows

package filesystem

import (
	"golang.org/x/sys/windows"
)

func diskSpace(dir string) (usable int64, total int64, err error) {
	dirPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, 0, err
	}
	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	err = windows.GetDiskFreeSpaceEx(dirPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes)
	if err != nil {
		return 0, 0, err
	}
	return int64(freeBytesAvailable), int64(totalBytes), nil
}
