package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"delegate-server/internal/domain"
)

var _ domain.InputStorage = (*Local)(nil)

// Local stores inputs below a directory on the local file system.
type Local struct {
	root string
}

// NewLocal creates a Local storage rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("local storage path is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(jobID, name string) (string, error) {
	if err := validateName(jobID, name); err != nil {
		return "", err
	}
	return filepath.Join(l.root, jobID, name), nil
}

// Put writes r to a temporary file and renames it into place, so readers
// never see a partial upload.
func (l *Local) Put(_ context.Context, jobID, name string, r io.Reader) error {
	target, err := l.path(jobID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), target)
}

// Get opens the stored input.
func (l *Local) Get(_ context.Context, jobID, name string) (io.ReadCloser, error) {
	target, err := l.path(jobID, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target) //nolint:gosec // path validated above
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound("input %s not found for job %s", name, jobID)
	}
	return f, err
}

// Exists reports whether the input was stored.
func (l *Local) Exists(_ context.Context, jobID, name string) (bool, error) {
	target, err := l.path(jobID, name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
