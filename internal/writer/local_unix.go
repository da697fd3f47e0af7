//go:build !windows

package writer

import "syscall"

// diskSpace returns the bytes available to unprivileged users and the
// filesystem size.
func diskSpace(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Bavail * bsize, stat.Blocks * bsize, nil
}
