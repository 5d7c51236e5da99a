// Package storage defines the interface to talk to the blob store backends
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrStore is wrapped into every error returned by a backend
	// operation so callers can tell store failures from others
	ErrStore = errors.New("blob store operation failed")
	// ErrNotFound signals the requested key does not exist
	ErrNotFound = errors.New("key not found")
)

type (
	// Entry describes one item of a directory listing
	Entry struct {
		Name         string
		IsDir        bool
		Size         int64
		LastModified time.Time
	}

	// Store is the interface to implement when building a storage backend
	Store interface {
		Exists(ctx context.Context, key string) (bool, error)
		Get(ctx context.Context, key string) (io.ReadCloser, error)
		List(ctx context.Context, prefix string) ([]Entry, error)
		Put(ctx context.Context, key string, data io.Reader) error
	}
)

// Join builds a store key from the working prefix and a file name
func Join(prefix, name string) string {
	return path.Join("/", prefix, name)
}

// Wrap annotates err with a message and marks it as a store failure.
// A nil err yields nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return errors.Wrap(err, message)
	}
	return errors.Wrap(storeError{err}, message)
}

// NormalizePrefix returns the prefix in "/dir/" form
func NormalizePrefix(prefix string) string {
	p := strings.Trim(path.Clean("/"+prefix), "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}

type storeError struct{ cause error }

func (e storeError) Error() string { return e.cause.Error() }

func (e storeError) Is(target error) bool { return target == ErrStore }

func (e storeError) Unwrap() error { return e.cause }
