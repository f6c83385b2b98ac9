package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WALSuffix is appended to a state file path to name its write-ahead intent file
const WALSuffix = ".wal"

// WriteAtomic replaces path with data so readers only ever observe the old or the
// new content. The temp file lives in the same directory so the rename stays atomic.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}

	// Atomic move
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move state file: %w", err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// WriteJSONAtomic marshals v and writes it with WriteAtomic
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return WriteAtomic(path, data, 0644)
}

// ReadJSON loads path into v. A missing file reports found=false without error.
func ReadJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return true, nil
}

// WALPath returns the intent file for a state file
func WALPath(path string) string {
	return path + WALSuffix
}

// WriteIntent durably records the state about to be committed to path
func WriteIntent(path string, v interface{}) error {
	if err := WriteJSONAtomic(WALPath(path), v); err != nil {
		return fmt.Errorf("failed to write intent: %w", err)
	}
	return nil
}

// ReadIntent loads a pending intent for path, if one exists
func ReadIntent(path string, v interface{}) (bool, error) {
	return ReadJSON(WALPath(path), v)
}

// ClearIntent removes the intent for path once it has been committed
func ClearIntent(path string) error {
	if err := os.Remove(WALPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear intent: %w", err)
	}
	return nil
}

// Commit writes v to path through the write-ahead intent: intent, atomic replace, clear.
// A crash at any point leaves either the old state plus an intent to roll forward, or the new state.
func Commit(path string, v interface{}) error {
	if err := WriteIntent(path, v); err != nil {
		return err
	}
	if err := WriteJSONAtomic(path, v); err != nil {
		return err
	}
	return ClearIntent(path)
}

// BackupFile copies src next to itself with a _backup suffix before it is replaced
func BackupFile(src string) error {
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	ext := filepath.Ext(src)
	dst := src[:len(src)-len(ext)] + "_backup" + ext
	return WriteAtomic(dst, data, 0644)
}
