package backend

import (
	"context"
	"io"
	"time"

	"github.com/Luzifer/tuapi-mirror/pkg/storage"
)

type (
	timeoutStore struct {
		next    storage.Store
		timeout time.Duration
	}

	// cancelOnClose keeps the request context alive until the body
	// has been consumed
	cancelOnClose struct {
		io.ReadCloser
		cancel context.CancelFunc
	}
)

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func (t timeoutStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Exists(ctx, key)
}

func (t timeoutStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	rc, err := t.next.Get(ctx, key)
	if err != nil {
		cancel()
		return nil, err
	}
	return cancelOnClose{rc, cancel}, nil
}

func (t timeoutStore) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.List(ctx, prefix)
}

func (t timeoutStore) Put(ctx context.Context, key string, data io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Put(ctx, key, data)
}
