// Package webdav implements a storage.Store backend talking to a WebDAV
// server
package webdav

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/pkg/errors"
	"github.com/studio-b12/gowebdav"
)

const dirPermission = 0o755

type (
	// Options configure the connection to the WebDAV server
	Options struct {
		Username string
		Password string

		// Timeout bounds every single request against the server
		Timeout            time.Duration
		InsecureSkipVerify bool
	}

	// Storage implements the storage.Store interface for WebDAV servers
	Storage struct {
		client *gowebdav.Client
	}
)

// New returns a new WebDAV storage backend. The client is created once
// and reused for all operations.
func New(uri string, opts Options) *Storage {
	client := gowebdav.NewClient(uri, opts.Username, opts.Password)

	if opts.InsecureSkipVerify {
		client.SetTransport(&http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //#nosec:G402 // Explicitly requested
		})
	}

	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return &Storage{client: client}
}

// Exists implements the storage.Store Exists method
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.Wrap(err, "stat file")
	}

	_, err := s.client.Stat(key)
	switch {
	case err == nil:
		return true, nil

	case gowebdav.IsErrNotFound(err):
		return false, nil

	default:
		return false, storage.Wrap(err, "stat file")
	}
}

// Get implements the storage.Store Get method
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap(err, "read file")
	}

	rc, err := s.client.ReadStream(key)
	switch {
	case err == nil:
		return rc, nil

	case gowebdav.IsErrNotFound(err):
		return nil, storage.Wrap(storage.ErrNotFound, key)

	default:
		return nil, storage.Wrap(err, "read file")
	}
}

// List implements the storage.Store List method
func (s *Storage) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap(err, "read directory")
	}

	infos, err := s.client.ReadDir(prefix)
	if err != nil {
		return nil, storage.Wrap(err, "read directory")
	}

	out := make([]storage.Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, storage.Entry{
			Name:         fi.Name(),
			IsDir:        fi.IsDir(),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
	}

	return out, nil
}

// Put implements the storage.Store Put method
func (s *Storage) Put(ctx context.Context, key string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap(err, "write file")
	}

	if err := s.client.MkdirAll(path.Dir(key), dirPermission); err != nil {
		return storage.Wrap(errors.Wrap(err, "create parent collection"), "write file")
	}

	return storage.Wrap(s.client.WriteStream(key, data, 0), "write file")
}
