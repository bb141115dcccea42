//go:build !linux

package recfile

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
