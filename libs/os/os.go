package os

import (
	"fmt"
	"os"
)

// EnsureDir ensures the given directory exists, creating it if necessary.
// Errors if the path already exists as a non-directory.
func EnsureDir(dir string, mode os.FileMode) error {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, mode); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to stat %q: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("path %q already exists as a non-directory", dir)
	}
	return nil
}

// FileExists reports whether a file or directory exists at filePath.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}
