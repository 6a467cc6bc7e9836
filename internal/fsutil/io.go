package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	ensureDirFn  = EnsureDir
	createTempFn = os.CreateTemp
	writeFileFn  = func(f *os.File, data []byte) (int, error) { return f.Write(data) }
	syncFileFn   = func(f *os.File) error { return f.Sync() }
	closeFileFn  = func(f *os.File) error { return f.Close() }
	chmodFn      = os.Chmod
	renameFn     = os.Rename
	removeFn     = os.Remove
)

func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// AtomicWriteFile replaces path with data through a temp file in the same directory.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := ensureDirFn(dir); err != nil {
		return err
	}

	temp, err := createTempFn(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tempName := temp.Name()
	if _, err := writeFileFn(temp, data); err != nil {
		_ = closeFileFn(temp)
		_ = removeFn(tempName)
		return err
	}
	if err := syncFileFn(temp); err != nil {
		_ = closeFileFn(temp)
		_ = removeFn(tempName)
		return err
	}
	if err := closeFileFn(temp); err != nil {
		_ = removeFn(tempName)
		return err
	}
	if err := chmodFn(tempName, perm); err != nil {
		_ = removeFn(tempName)
		return err
	}
	if err := renameFn(tempName, path); err != nil {
		_ = removeFn(tempName)
		return err
	}
	return nil
}

// RemoveIfExists deletes path and reports whether it existed.
func RemoveIfExists(path string) (bool, error) {
	err := removeFn(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
