// Package backend selects and creates the storage.Store implementation
// matching a storage URI
package backend

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/Luzifer/tuapi-mirror/pkg/storage/gcs"
	"github.com/Luzifer/tuapi-mirror/pkg/storage/local"
	"github.com/Luzifer/tuapi-mirror/pkg/storage/webdav"
	"github.com/pkg/errors"
)

// ErrConfiguration marks errors caused by missing or invalid connection
// parameters. Processes must not start with such a configuration.
var ErrConfiguration = errors.New("invalid storage configuration")

// Config holds the connection parameters for the blob store
type Config struct {
	URI      string
	Username string
	Password string

	Timeout            time.Duration
	InsecureSkipVerify bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates the store addressed by cfg.URI:
//
//   - http:// and https:// talk WebDAV and require credentials
//   - gs://bucket/prefix stores in Google Cloud Storage
//   - file:///path stores on the local disk
//
// The returned io.Closer releases the resources held by the store.
func New(ctx context.Context, cfg Config) (storage.Store, io.Closer, error) {
	if cfg.URI == "" {
		return nil, nil, errors.Wrap(ErrConfiguration, "storage URI is not set")
	}

	uri, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrConfiguration, "parsing storage URI: %s", err)
	}

	switch uri.Scheme {
	case "http", "https":
		if cfg.Username == "" || cfg.Password == "" {
			return nil, nil, errors.Wrap(ErrConfiguration, "WebDAV storage requires username and password")
		}

		return webdav.New(cfg.URI, webdav.Options{
			Username:           cfg.Username,
			Password:           cfg.Password,
			Timeout:            cfg.Timeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}), nopCloser{}, nil

	case "gs":
		s, err := gcs.New(ctx, cfg.URI)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating GCS storage")
		}
		return s, s, nil

	case "file":
		if uri.Path == "" {
			return nil, nil, errors.Wrap(ErrConfiguration, "local storage requires a path")
		}
		return local.New(uri.Path), nopCloser{}, nil

	default:
		return nil, nil, errors.Wrapf(ErrConfiguration, "unsupported storage scheme %q", uri.Scheme)
	}
}

// WithTimeout wraps a store so every operation is bounded by timeout
func WithTimeout(s storage.Store, timeout time.Duration) storage.Store {
	if timeout <= 0 {
		return s
	}
	return timeoutStore{next: s, timeout: timeout}
}
