//go:build !linux

package xos

// UnlinkKeepsOpenData always reports true on platforms where the filesystem
// type is not inspected.
func UnlinkKeepsOpenData(_ string) (bool, string, error) {
	return true, "", nil
}
