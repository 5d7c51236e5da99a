// Package proxypool implements a round-robin rotation over forward proxy
// addresses fetched from a remote list
package proxypool

import (
	"context"
	"sync"

	"github.com/Luzifer/tuapi-mirror/pkg/metrics"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyPool is returned by Next when no proxy is available
	ErrEmptyPool = errors.New("proxy pool is empty")
	// ErrNoUpdate is returned by Refresh when the source yielded no
	// proxies and the pool was left untouched
	ErrNoUpdate = errors.New("proxy source returned no entries")
)

// Source yields the current list of "host:port" proxy addresses
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Pool rotates over a list of proxy addresses. It is safe for concurrent
// use.
type Pool struct {
	source Source

	mu      sync.Mutex
	entries []string
	cursor  int
	last    int
}

// New creates an empty pool filled by Refresh from source
func New(source Source) *Pool {
	return &Pool{source: source, last: -1}
}

// Refresh replaces the pool contents with a fresh list from the source.
// On a fetch error or an empty list the pool keeps its entries.
func (p *Pool) Refresh(ctx context.Context) error {
	entries, err := p.source.Fetch(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching proxy list")
	}

	if len(entries) == 0 {
		return ErrNoUpdate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = append([]string(nil), entries...)
	p.cursor = 0
	p.last = -1
	metrics.ProxyPoolSize.Set(float64(len(p.entries)))

	return nil
}

// Next returns the proxy under the cursor and advances it
func (p *Pool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return "", ErrEmptyPool
	}

	if p.cursor >= len(p.entries) {
		p.cursor = 0
	}

	proxy := p.entries[p.cursor]
	p.last = p.cursor
	p.cursor = (p.cursor + 1) % len(p.entries)

	return proxy, nil
}

// EvictCurrent removes the proxy returned by the most recent Next call.
// It reports false when there is nothing to evict: the pool is empty or
// the selection was already evicted or replaced by a Refresh.
func (p *Pool) EvictCurrent() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last < 0 || p.last >= len(p.entries) {
		return "", false
	}

	removed := p.entries[p.last]
	p.entries = append(p.entries[:p.last], p.entries[p.last+1:]...)

	if p.cursor > p.last {
		p.cursor--
	}
	if p.cursor >= len(p.entries) {
		p.cursor = 0
	}
	p.last = -1

	metrics.ProxyPoolSize.Set(float64(len(p.entries)))
	metrics.ProxyEvictions.Inc()

	return removed, true
}

// Len returns the number of proxies in the pool
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

// Entries returns a copy of the proxies in rotation order
func (p *Pool) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.entries...)
}
