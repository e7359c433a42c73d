//go:build unix

package filesystem

import (
	"golang.org/x/sys/unix"
)

func diskSpace(dir string) (usable int64, total int64, err error) {
	var stat unix.Statfs_t
	err = unix.Statfs(dir, &stat)
	if err != nil {
		return 0, 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), int64(stat.Blocks) * int64(stat.Bsize), nil
}
