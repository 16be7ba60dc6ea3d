// Package store implements the updater's durable on-disk JSON state
// store: atomic reads and writes of the files under the app storage
// directory (state.json, patches_state.json).
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

// ErrNotExist is returned by Read when path does not exist. Callers use
// this to distinguish "fresh install" from "corrupt state" per the
// updater-state load contract.
var ErrNotExist = errors.New("store: file does not exist")

// Write serializes value as indented JSON and writes it to path,
// creating the containing directory if necessary. The write goes
// through a temp file in the same directory followed by a rename, so a
// crash mid-write never leaves a half-written file at path.
func Write(value any, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return updatererr.Wrap(updatererr.KindFailedToSaveState,
			fmt.Errorf("create dir %s: %w", dir, err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return updatererr.Wrap(updatererr.KindFailedToSaveState,
			fmt.Errorf("create temp file in %s: %w", dir, err))
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return updatererr.Wrap(updatererr.KindFailedToSaveState,
			fmt.Errorf("encode to %s: %w", tmpName, err))
	}
	if err := w.Flush(); err != nil {
		return updatererr.Wrap(updatererr.KindFailedToSaveState,
			fmt.Errorf("flush %s: %w", tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		return updatererr.Wrap(updatererr.KindFailedToSaveState,
			fmt.Errorf("close %s: %w", tmpName, err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return updatererr.Wrap(updatererr.KindFailedToSaveState,
			fmt.Errorf("rename %s to %s: %w", tmpName, path, err))
	}
	succeeded = true
	return nil
}

// Read deserializes the JSON file at path into value. If path does not
// exist, Read returns an error matching ErrNotExist (via errors.Is).
func Read(path string, value any) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return updatererr.Wrap(updatererr.KindIOError, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	if err := dec.Decode(value); err != nil {
		return updatererr.Wrap(updatererr.KindIOError, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
