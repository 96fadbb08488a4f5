//go:build linux

package btfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// flush pushes file data to stable storage. fdatasync skips the inode
// timestamp update that a full fsync pays for on every node write.
func flush(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
