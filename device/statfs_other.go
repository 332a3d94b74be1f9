//go:build !linux

package device

import "golang.org/x/sys/unix"

func statDevice(path string, info *Info) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	bsize := uint64(st.Bsize)
	info.BlockSize = bsize
	info.TotalSpace = uint64(st.Blocks) * bsize
	info.AvailableSpace = uint64(st.Bavail) * bsize
	return false, nil
}
