package device

import "golang.org/x/sys/unix"

const (
	tmpfsMagic = 0x01021994
	ramfsMagic = 0x858458f6
)

// statDevice fills space figures from statfs and reports whether the
// filesystem is RAM backed.
func statDevice(path string, info *Info) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	bsize := uint64(st.Bsize)
	info.BlockSize = bsize
	info.TotalSpace = st.Blocks * bsize
	info.AvailableSpace = st.Bavail * bsize
	info.ReadOnly = st.Flags&unix.ST_RDONLY != 0

	switch int64(st.Type) {
	case tmpfsMagic, ramfsMagic:
		info.Filesystem = "tmpfs"
		return true, nil
	}
	return false, nil
}
