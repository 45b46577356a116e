// Package repository stores the park's capacity state as a small JSON file.
//
// The repository performs no locking. Single-writer access is guaranteed by the
// gates' distributed mutex: only the gate holding the token reads and writes it.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Repository reads and writes the capacity state file.
type Repository struct {
	path string
}

// New creates a repository backed by the file at path.
func New(path string) *Repository {
	return &Repository{path: path}
}

// Path returns the backing file path.
func (r *Repository) Path() string {
	return r.path
}

// ReadState loads the state. A missing file yields (nil, nil).
func (r *Repository) ReadState() (*State, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state %s: %w", r.path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, r.path, err)
	}
	if state.Visitors == nil {
		state.Visitors = []int{}
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}

	return &state, nil
}

// WriteState replaces the state file atomically (temp file + rename).
func (r *Repository) WriteState(state *State) error {
	if state == nil {
		return errors.New("nil state")
	}

	out := State{Capacity: state.Capacity, Visitors: state.Visitors}
	if out.Visitors == nil {
		out.Visitors = []int{}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state %s: %w", r.path, err)
	}
	return nil
}

// DeleteState removes the state file. Deleting a missing file is not an error.
func (r *Repository) DeleteState() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state %s: %w", r.path, err)
	}
	return nil
}
