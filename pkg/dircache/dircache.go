// Package dircache keeps an in-memory snapshot of the images listed in a
// blob store directory
package dircache

import (
	"context"
	"math/rand/v2"
	"path"
	"strings"
	"sync/atomic"

	"github.com/Luzifer/tuapi-mirror/pkg/metrics"
	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule refreshes the cache hourly on the hour
const DefaultSchedule = "0 * * * *"

var allowedExtensions = map[string]bool{
	"jpg":  true,
	"png":  true,
	"webp": true,
}

type (
	// Lister is the part of storage.Store the cache needs
	Lister interface {
		List(ctx context.Context, prefix string) ([]storage.Entry, error)
	}

	// ImageEntry is one servable image of the directory
	ImageEntry struct {
		Name      string
		Extension string
	}

	// Cache holds the last known listing. Snapshots are immutable and
	// replaced as a whole.
	Cache struct {
		store  Lister
		prefix string

		snapshot   atomic.Pointer[[]ImageEntry]
		refreshing atomic.Bool
	}
)

// ContentType returns the MIME type derived from the file extension
func (e ImageEntry) ContentType() string { return "image/" + e.Extension }

// New creates an empty cache listing prefix of store
func New(store Lister, prefix string) *Cache {
	c := &Cache{store: store, prefix: prefix}
	c.snapshot.Store(&[]ImageEntry{})
	return c
}

// EnsureFresh refreshes the cache when it does not hold any entries
func (c *Cache) EnsureFresh(ctx context.Context) error {
	if c.Len() > 0 {
		return nil
	}

	_, err := c.Refresh(ctx)
	return err
}

// Refresh lists the directory and replaces the snapshot. When another
// refresh is in flight it returns immediately with false. On failure the
// previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) (bool, error) {
	if !c.refreshing.CompareAndSwap(false, true) {
		logrus.Debug("directory refresh already in progress, skipping")
		metrics.DirectoryRefreshes.WithLabelValues(metrics.ResultSkipped).Inc()
		return false, nil
	}
	defer c.refreshing.Store(false)

	listing, err := c.store.List(ctx, c.prefix)
	if err != nil {
		metrics.DirectoryRefreshes.WithLabelValues(metrics.ResultFailed).Inc()
		return true, errors.Wrap(err, "listing image directory")
	}

	entries := filterImages(listing)
	c.snapshot.Store(&entries)

	metrics.DirectoryRefreshes.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.DirectoryEntries.Set(float64(len(entries)))
	logrus.WithField("count", len(entries)).Info("directory cache refreshed")

	return true, nil
}

// Schedule registers the periodic refresh with the cron scheduler. An
// empty spec uses DefaultSchedule.
func (c *Cache) Schedule(ctx context.Context, scheduler *cron.Cron, spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}

	_, err := scheduler.AddFunc(spec, func() {
		if _, err := c.Refresh(ctx); err != nil {
			logrus.WithError(err).Error("scheduled directory refresh failed")
		}
	})
	return errors.Wrapf(err, "scheduling refresh %q", spec)
}

// PickRandom returns a uniformly chosen entry of the current snapshot and
// false if the snapshot is empty
func (c *Cache) PickRandom() (ImageEntry, bool) {
	entries := *c.snapshot.Load()
	if len(entries) == 0 {
		return ImageEntry{}, false
	}

	return entries[rand.IntN(len(entries))], true //#nosec:G404 // No crypto involved
}

// Snapshot returns the current list of entries. The slice must not be
// modified.
func (c *Cache) Snapshot() []ImageEntry { return *c.snapshot.Load() }

// Len returns the number of entries in the current snapshot
func (c *Cache) Len() int { return len(*c.snapshot.Load()) }

func filterImages(listing []storage.Entry) []ImageEntry {
	entries := make([]ImageEntry, 0, len(listing))
	for _, e := range listing {
		if e.IsDir {
			continue
		}

		ext := strings.ToLower(strings.TrimPrefix(path.Ext(e.Name), "."))
		if !allowedExtensions[ext] {
			continue
		}

		entries = append(entries, ImageEntry{Name: e.Name, Extension: ext})
	}

	return entries
}
