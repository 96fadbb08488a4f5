//go:build !linux

package btfile

import "os"

// flush pushes file data to stable storage.
func flush(file *os.File) error {
	return file.Sync()
}
