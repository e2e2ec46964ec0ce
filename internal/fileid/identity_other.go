//go:build !unix

package fileid

import "os"

// No inode on this platform; identity comparison is left to size and mtime.
func identity(fi os.FileInfo) (dev, ino uint64) {
	return 0, 0
}
