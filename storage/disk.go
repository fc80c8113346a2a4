package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskStore keeps blobs under a root directory
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) Put(ctx context.Context, name string, r io.Reader, contentType string) (string, error) {
	ref := NewRef(dirFor(contentType, name), name)
	full := filepath.Join(d.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", ref, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("writing %s: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", ref, err)
	}
	return ref, nil
}

func (d *DiskStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(ref)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	return f, nil
}

func (d *DiskStore) Delete(ctx context.Context, ref string) error {
	if !validRef(ref) {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(d.root, filepath.FromSlash(ref))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("removing %s: %w", ref, err)
	}
	return nil
}
