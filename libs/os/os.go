package os

import (
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
)

// EnsureDir creates dir and any missing parents with mode if it does not
// already exist.
func EnsureDir(dir string, mode os.FileMode) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.MkdirAll(dir, mode)
		if err != nil {
			return fmt.Errorf("could not create directory %v: %w", dir, err)
		}
	}
	return nil
}

// FileExists reports whether a file or directory exists at filePath.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// WriteFileAtomic replaces filePath with data. Readers observe either the old
// contents or the new ones, never a partial write.
func WriteFileAtomic(filePath string, data []byte, mode os.FileMode) error {
	f, err := atomicfile.New(filePath, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Cancel()
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	return f.Close()
}
