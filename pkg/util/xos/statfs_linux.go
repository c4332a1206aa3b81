//go:build linux

package xos

import (
	"golang.org/x/sys/unix"
)

// filesystems which do not keep unlinked data alive for open handles, or
// emulate it poorly
var weakUnlinkMagics = map[int64]string{
	0x4d44:     "vfat",
	0x2011bab0: "exfat",
	0x5346544e: "ntfs",
	0x65735546: "fuse",
	0x6969:     "nfs",
	0xff534d42: "cifs",
}

// UnlinkKeepsOpenData reports whether the filesystem at path keeps the data
// of removed files readable through already open handles. The filesystem
// name is returned when it does not.
func UnlinkKeepsOpenData(path string) (bool, string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, "", err
	}
	if name, ok := weakUnlinkMagics[int64(st.Type)]; ok { //nolint:unconvert // Type width differs per arch
		return false, name, nil
	}
	return true, "", nil
}
