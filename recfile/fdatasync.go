package recfile

import "os"

// Fdatasync triggers the fastest fsync-like operation that ensures durability
// of the data written to the given file.
//
// Fdatasync might be faster than f.Sync() aka fsync thanks to not syncing
// metadata (last modification/access time) that isn't necessary to ensure
// durability of the data.
//
// WARNING: ERRORS RETURNED BY THIS FUNCTION ARE NOT RECOVERABLE. Many
// operating systems and file systems mark modified pages as clean in case of
// fsync failures, and there is no way to ensure data correctness after a
// failure. The only sensible handling of fsync errors is to treat the file
// as suspect and require manual inspection.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
