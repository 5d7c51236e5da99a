package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	entries []string
	err     error
}

func (s staticSource) Fetch(context.Context) ([]string, error) { return s.entries, s.err }

func newFilledPool(t *testing.T, entries ...string) *Pool {
	t.Helper()

	p := New(staticSource{entries: entries})
	require.NoError(t, p.Refresh(context.Background()))
	return p
}

func TestNextRoundRobin(t *testing.T) {
	p := newFilledPool(t, "p1", "p2")

	var got []string
	for i := 0; i < 3; i++ {
		proxy, err := p.Next()
		require.NoError(t, err)
		got = append(got, proxy)
	}

	assert.Equal(t, []string{"p1", "p2", "p1"}, got)
}

func TestNextVisitsEveryEntryOnce(t *testing.T) {
	entries := []string{"a:1", "b:2", "c:3", "d:4", "e:5"}
	p := newFilledPool(t, entries...)

	seen := map[string]int{}
	for range entries {
		proxy, err := p.Next()
		require.NoError(t, err)
		seen[proxy]++
	}

	assert.Len(t, seen, len(entries))
	for _, e := range entries {
		assert.Equal(t, 1, seen[e], e)
	}
}

func TestNextOnEmptyPool(t *testing.T) {
	p := New(staticSource{})

	_, err := p.Next()
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestEvictCurrentRemovesLastReturned(t *testing.T) {
	p := newFilledPool(t, "p1", "p2", "p3")

	first, err := p.Next()
	require.NoError(t, err)
	second, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "p2", second)

	removed, ok := p.EvictCurrent()
	require.True(t, ok)
	assert.Equal(t, "p2", removed)
	assert.Equal(t, []string{first, "p3"}, p.Entries())

	next, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "p3", next, "rotation continues after the evicted entry")
}

func TestEvictCurrentAfterWrap(t *testing.T) {
	p := newFilledPool(t, "p1", "p2", "p3")

	for i := 0; i < 3; i++ {
		_, err := p.Next()
		require.NoError(t, err)
	}

	removed, ok := p.EvictCurrent()
	require.True(t, ok)
	assert.Equal(t, "p3", removed)

	next, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "p1", next)
}

func TestEvictCurrentDecreasesSizeByOne(t *testing.T) {
	p := newFilledPool(t, "p1", "p2", "p3", "p4")

	for size := 4; size > 0; size-- {
		selected, err := p.Next()
		require.NoError(t, err)

		removed, ok := p.EvictCurrent()
		require.True(t, ok)
		assert.Equal(t, selected, removed)
		assert.Equal(t, size-1, p.Len())
		assert.NotContains(t, p.Entries(), selected)
	}

	_, err := p.Next()
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestEvictCurrentTwiceIsNoop(t *testing.T) {
	p := newFilledPool(t, "p1", "p2")

	_, err := p.Next()
	require.NoError(t, err)

	_, ok := p.EvictCurrent()
	require.True(t, ok)

	_, ok = p.EvictCurrent()
	assert.False(t, ok)
	assert.Equal(t, []string{"p2"}, p.Entries())
}

func TestEvictCurrentOnEmptyPool(t *testing.T) {
	p := New(staticSource{})

	_, ok := p.EvictCurrent()
	assert.False(t, ok)
}

func TestRefreshKeepsPoolOnFailure(t *testing.T) {
	src := &switchableSource{entries: []string{"p1", "p2"}}
	p := New(src)
	require.NoError(t, p.Refresh(context.Background()))

	_, err := p.Next()
	require.NoError(t, err)

	src.entries, src.err = nil, errors.New("boom")
	assert.Error(t, p.Refresh(context.Background()))
	assert.Equal(t, []string{"p1", "p2"}, p.Entries())

	src.err = nil
	assert.ErrorIs(t, p.Refresh(context.Background()), ErrNoUpdate)
	assert.Equal(t, []string{"p1", "p2"}, p.Entries())

	next, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "p2", next, "cursor survives failed refreshes")
}

func TestRefreshReplacesAndResetsCursor(t *testing.T) {
	src := &switchableSource{entries: []string{"p1", "p2"}}
	p := New(src)
	require.NoError(t, p.Refresh(context.Background()))

	_, err := p.Next()
	require.NoError(t, err)

	src.entries = []string{"q1", "q2", "q3"}
	require.NoError(t, p.Refresh(context.Background()))

	_, ok := p.EvictCurrent()
	assert.False(t, ok, "selection does not survive a refresh")

	next, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "q1", next)
}

type switchableSource struct {
	entries []string
	err     error
}

func (s *switchableSource) Fetch(context.Context) ([]string, error) { return s.entries, s.err }

func TestListSourceFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "1.1.1.1:8080")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "  2.2.2.2:9000  ")
		fmt.Fprintln(w, "invalid_line")
		fmt.Fprintln(w, "# comment")
		fmt.Fprintln(w, "3.3.3.3:notaport")
	}))
	defer ts.Close()

	entries, err := NewListSource(ts.URL, 0).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1:8080", "2.2.2.2:9000"}, entries)
}

func TestListSourceFetchStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewListSource(ts.URL, 0).Fetch(context.Background())
	assert.Error(t, err)
}
