// Package gcs implements a storage backend saving files in GCS
package gcs

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// Storage implements the storage.Store interface for GCS storage
type Storage struct {
	bucket string
	client *gcs.Client
	prefix string
}

// New returns a new GCS storage backend
func New(ctx context.Context, bucketURI string) (*Storage, error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return nil, errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return nil, errors.New("invalid GCS bucket URI")
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return &Storage{
		bucket: uri.Host,
		client: client,
		prefix: strings.TrimLeft(uri.Path, "/"),
	}, nil
}

// Close releases the underlying GCS client
func (s *Storage) Close() error {
	return errors.Wrap(s.client.Close(), "close GCS client")
}

func (s *Storage) objectName(key string) string {
	return strings.TrimLeft(path.Join(s.prefix, key), "/")
}

// Exists implements the storage.Store Exists method
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, gcs.ErrObjectNotExist):
		return false, nil

	default:
		return false, storage.Wrap(err, "get object attrs")
	}
}

// Get implements the storage.Store Get method
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	switch {
	case err == nil:
		return r, nil

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, storage.Wrap(storage.ErrNotFound, key)

	default:
		return nil, storage.Wrap(err, "get object reader")
	}
}

// List implements the storage.Store List method. Only direct children
// of the prefix are returned, nested "directories" are reported with
// IsDir set.
func (s *Storage) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	query := &gcs.Query{
		Prefix:    s.objectName(prefix) + "/",
		Delimiter: "/",
	}
	if query.Prefix == "/" {
		query.Prefix = ""
	}

	var (
		it  = s.client.Bucket(s.bucket).Objects(ctx, query)
		out []storage.Entry
	)

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storage.Wrap(err, "list objects")
		}

		if attrs.Prefix != "" {
			out = append(out, storage.Entry{
				Name:  path.Base(attrs.Prefix),
				IsDir: true,
			})
			continue
		}

		if attrs.Name == query.Prefix {
			// Directory placeholder object
			continue
		}

		out = append(out, storage.Entry{
			Name:         path.Base(attrs.Name),
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}

	return out, nil
}

// Put implements the storage.Store Put method. A failing data reader
// aborts the upload, no partial object is created.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	w.ContentType = contentTypeFor(key)

	if _, err := io.Copy(w, data); err != nil {
		// Closing without cancel would commit the truncated object
		cancel()
		w.Close() //nolint:errcheck,gosec // Already failing
		return storage.Wrap(err, "upload content")
	}

	return storage.Wrap(w.Close(), "finish upload")
}

func contentTypeFor(key string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
	if ext == "" {
		return "application/octet-stream"
	}
	return "image/" + ext
}
