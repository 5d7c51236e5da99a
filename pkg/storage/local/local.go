// Package local implements a storage.Store backend for local file storage
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/sirupsen/logrus"
)

const storageLocalDirPermission = 0o700

// Storage implements the storage.Store interface for local file storage
type Storage struct {
	basePath string
}

// New returns a new local file storage
func New(basePath string) Storage { return Storage{basePath} }

func (s Storage) resolve(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(filepath.Clean("/"+key)))
}

// Exists implements the storage.Store Exists method
func (s Storage) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.resolve(key))
	switch {
	case err == nil:
		return true, nil

	case os.IsNotExist(err):
		return false, nil

	default:
		return false, storage.Wrap(err, "getting file stat")
	}
}

// Get implements the storage.Store Get method
func (s Storage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.resolve(key)) //#nosec:G304 // Path is confined to basePath
	switch {
	case err == nil:
		return f, nil

	case os.IsNotExist(err):
		return nil, storage.Wrap(storage.ErrNotFound, key)

	default:
		return nil, storage.Wrap(err, "opening file")
	}
}

// List implements the storage.Store List method
func (s Storage) List(_ context.Context, prefix string) ([]storage.Entry, error) {
	dirEntries, err := os.ReadDir(s.resolve(prefix))
	if err != nil {
		return nil, storage.Wrap(err, "reading directory")
	}

	out := make([]storage.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}

		out = append(out, storage.Entry{
			Name:         de.Name(),
			IsDir:        de.IsDir(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}

	return out, nil
}

// Put implements the storage.Store Put method
func (s Storage) Put(_ context.Context, key string, data io.Reader) (err error) {
	target := s.resolve(key)

	if err = os.MkdirAll(filepath.Dir(target), storageLocalDirPermission); err != nil {
		return storage.Wrap(err, "create storage dir")
	}

	// Write next to the target and rename so readers never see partial files
	f, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return storage.Wrap(err, "create temp file")
	}
	defer func() {
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).Error("removing temp file")
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		f.Close() //nolint:errcheck,gosec // Already failing
		return storage.Wrap(err, "write file")
	}

	if err = f.Close(); err != nil {
		return storage.Wrap(err, "close file")
	}

	if err = os.Rename(f.Name(), target); err != nil {
		return storage.Wrap(err, "rename file")
	}

	return nil
}
