package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	temp := t.TempDir()
	path := filepath.Join(temp, "nested", "file.txt")

	if err := AtomicWriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("atomic write: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("bye"), 0o600); err != nil {
		t.Fatalf("atomic overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "bye" {
		t.Fatalf("unexpected content: %s", string(data))
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, got %d entries", len(entries))
	}
}

func TestAtomicWriteFileRemovesTempOnWriteError(t *testing.T) {
	temp := t.TempDir()
	path := filepath.Join(temp, "file.txt")

	orig := writeFileFn
	writeFileFn = func(f *os.File, data []byte) (int, error) { return 0, errors.New("boom") }
	t.Cleanup(func() { writeFileFn = orig })

	if err := AtomicWriteFile(path, []byte("hello"), 0o600); err == nil {
		t.Fatalf("expected error")
	}
	entries, err := os.ReadDir(temp)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, got %d", len(entries))
	}
}

func TestAtomicWriteFileRemovesTempOnRenameError(t *testing.T) {
	temp := t.TempDir()
	path := filepath.Join(temp, "file.txt")

	orig := renameFn
	renameFn = func(oldpath, newpath string) error { return errors.New("boom") }
	t.Cleanup(func() { renameFn = orig })

	if err := AtomicWriteFile(path, []byte("hello"), 0o600); err == nil {
		t.Fatalf("expected error")
	}
	entries, err := os.ReadDir(temp)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, got %d", len(entries))
	}
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone")
	existed, err := RemoveIfExists(path)
	if err != nil || existed {
		t.Fatalf("missing file: existed=%v err=%v", existed, err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	existed, err = RemoveIfExists(path)
	if err != nil || !existed {
		t.Fatalf("present file: existed=%v err=%v", existed, err)
	}
}
