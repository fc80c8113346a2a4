// Package storage keeps uploaded files behind an opaque reference.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get and Delete when ref does not exist
var ErrNotFound = errors.New("storage: object not found")

// Store is a path-addressed blob store
type Store interface {
	// Put stores r and returns the reference to retrieve it with
	Put(ctx context.Context, name string, r io.Reader, contentType string) (string, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// NewRef builds a collision-free reference under dir keeping the extension of name
func NewRef(dir, name string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(name, "\\", "/"))))
	return path.Join(dir, uuid.NewString()+ext)
}

// validRef rejects references that could escape the store root
func validRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return false
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." || part == "" {
			return false
		}
	}
	return true
}

func dirFor(contentType, name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == ".csv" || ext == ".txt" || ext == ".xlsx":
		return "imports"
	case strings.HasPrefix(contentType, "image/"):
		return "thumbnails"
	}
	return "files"
}
