package dircache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mu      sync.Mutex
	entries []storage.Entry
	err     error
	calls   int
	prefix  string

	// block, when set, holds List until it is closed
	block chan struct{}
	// started receives one value per List call
	started chan struct{}
}

func (f *fakeLister) List(_ context.Context, prefix string) ([]storage.Entry, error) {
	f.mu.Lock()
	f.calls++
	f.prefix = prefix
	block, started := f.block, f.started
	entries, err := f.entries, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	return entries, err
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func files(names ...string) []storage.Entry {
	out := make([]storage.Entry, 0, len(names))
	for _, n := range names {
		out = append(out, storage.Entry{Name: n})
	}
	return out
}

func TestRefreshFiltersExtensions(t *testing.T) {
	lister := &fakeLister{entries: append(
		files("a.jpg", "b.png", "c.txt", "d.webp", "e.gif", "noext", "F.PNG"),
		storage.Entry{Name: "sub.jpg", IsDir: true},
	)}
	c := New(lister, "/tuapi/")

	ran, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Equal(t, "/tuapi/", lister.prefix)
	assert.Equal(t, []ImageEntry{
		{Name: "a.jpg", Extension: "jpg"},
		{Name: "b.png", Extension: "png"},
		{Name: "d.webp", Extension: "webp"},
		{Name: "F.PNG", Extension: "png"},
	}, c.Snapshot())
}

func TestRefreshKeepsSnapshotOnFailure(t *testing.T) {
	lister := &fakeLister{entries: files("a.jpg")}
	c := New(lister, "/tuapi/")

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	lister.mu.Lock()
	lister.entries, lister.err = nil, errors.New("503 service unavailable")
	lister.mu.Unlock()

	_, err = c.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []ImageEntry{{Name: "a.jpg", Extension: "jpg"}}, c.Snapshot())
	assert.False(t, c.refreshing.Load(), "guard released after failure")
}

func TestRefreshInFlightIsSkipped(t *testing.T) {
	lister := &fakeLister{
		entries: files("a.jpg", "b.png"),
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	c := New(lister, "/tuapi/")

	firstDone := make(chan bool)
	go func() {
		ran, _ := c.Refresh(context.Background())
		firstDone <- ran
	}()

	<-lister.started

	ran, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "second refresh is a no-op while one is in flight")

	close(lister.block)
	assert.True(t, <-firstDone)

	assert.Equal(t, 1, lister.callCount())
	assert.False(t, c.refreshing.Load())
	assert.Equal(t, 2, c.Len())

	lister.mu.Lock()
	lister.block, lister.started = nil, nil
	lister.mu.Unlock()

	ran, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ran, "refresh runs again after the guard is released")
}

func TestSnapshotNeverPartial(t *testing.T) {
	small := files("a.jpg")
	large := files("a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg", "f.jpg", "g.jpg", "h.jpg")

	lister := &fakeLister{entries: small}
	c := New(lister, "/tuapi/")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}

			lister.mu.Lock()
			if i%2 == 0 {
				lister.entries = large
			} else {
				lister.entries = small
			}
			lister.mu.Unlock()

			_, _ = c.Refresh(context.Background())
		}
	}()

	for i := 0; i < 2000; i++ {
		n := len(c.Snapshot())
		assert.Contains(t, []int{0, len(small), len(large)}, n)
	}

	close(stop)
	wg.Wait()
}

func TestEnsureFresh(t *testing.T) {
	lister := &fakeLister{entries: files("a.jpg")}
	c := New(lister, "/tuapi/")

	require.NoError(t, c.EnsureFresh(context.Background()))
	require.NoError(t, c.EnsureFresh(context.Background()))

	assert.Equal(t, 1, lister.callCount(), "non-empty cache is not refreshed")
	assert.Equal(t, 1, c.Len())
}

func TestEnsureFreshEmptyStore(t *testing.T) {
	lister := &fakeLister{entries: files("readme.txt")}
	c := New(lister, "/tuapi/")

	require.NoError(t, c.EnsureFresh(context.Background()))
	require.NoError(t, c.EnsureFresh(context.Background()))

	assert.Equal(t, 2, lister.callCount(), "empty cache is refreshed on every call")
	_, ok := c.PickRandom()
	assert.False(t, ok)
}

func TestPickRandom(t *testing.T) {
	c := New(&fakeLister{entries: files("a.jpg", "b.png")}, "/tuapi/")
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 500; i++ {
		e, ok := c.PickRandom()
		require.True(t, ok)
		seen[e.Name]++
	}

	assert.Len(t, seen, 2)
	assert.Positive(t, seen["a.jpg"])
	assert.Positive(t, seen["b.png"])
}

func TestPickRandomEmpty(t *testing.T) {
	_, ok := New(&fakeLister{}, "/tuapi/").PickRandom()
	assert.False(t, ok)
}

func TestContentType(t *testing.T) {
	for ext, want := range map[string]string{
		"jpg":  "image/jpg",
		"png":  "image/png",
		"webp": "image/webp",
	} {
		assert.Equal(t, want, ImageEntry{Name: fmt.Sprintf("x.%s", ext), Extension: ext}.ContentType())
	}
}

func TestSchedule(t *testing.T) {
	lister := &fakeLister{entries: files("a.jpg")}
	c := New(lister, "/tuapi/")

	scheduler := cron.New(cron.WithSeconds())
	require.NoError(t, c.Schedule(context.Background(), scheduler, "* * * * * *"))
	scheduler.Start()
	defer scheduler.Stop()

	assert.Eventually(t, func() bool { return c.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduleDefaultIsTopOfHour(t *testing.T) {
	c := New(&fakeLister{}, "/tuapi/")

	scheduler := cron.New()
	require.NoError(t, c.Schedule(context.Background(), scheduler, ""))

	entries := scheduler.Entries()
	require.Len(t, entries, 1)

	from := time.Date(2026, 10, 15, 13, 27, 41, 0, time.Local)
	next := entries[0].Schedule.Next(from)

	assert.Equal(t, time.Date(2026, 10, 15, 14, 0, 0, 0, time.Local), next)
}

func TestScheduleInvalidSpec(t *testing.T) {
	c := New(&fakeLister{}, "/tuapi/")
	assert.Error(t, c.Schedule(context.Background(), cron.New(), "not a schedule"))
}
