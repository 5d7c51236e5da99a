// Package ingest contains the loop mirroring images from the redirect API
// into the blob store
package ingest

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Luzifer/tuapi-mirror/pkg/metrics"
	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the pause between two loop iterations
const DefaultInterval = 5 * time.Second

// ErrInvalidFilename is returned when no filename can be derived from an
// image URL
var ErrInvalidFilename = errors.New("no usable filename in URL")

type (
	// URLSource yields one image URL per call, empty when none could be
	// resolved
	URLSource interface {
		FetchOne(ctx context.Context) string
	}

	// PoolRefresher refills the proxy pool used by the URLSource
	PoolRefresher interface {
		Refresh(ctx context.Context) error
		Len() int
	}

	// Downloader fetches the full body of an image URL
	Downloader interface {
		Download(ctx context.Context, target string) (io.ReadCloser, error)
	}

	// Config controls the pacing and layout of the ingestion
	Config struct {
		// Interval is the pause after every iteration
		Interval time.Duration
		// ProxyRefreshInterval triggers a pool refresh after the given
		// time, zero only refreshes an empty pool
		ProxyRefreshInterval time.Duration
		// Prefix is the store directory images are written to
		Prefix string
		// HoldingDir receives the temporary download files
		HoldingDir string
	}

	// Ingester runs the ingestion loop
	Ingester struct {
		pool       PoolRefresher
		urls       URLSource
		downloader Downloader
		store      storage.Store
		cfg        Config

		lastPoolRefresh time.Time
	}
)

// New creates an Ingester
func New(pool PoolRefresher, urls URLSource, downloader Downloader, store storage.Store, cfg Config) *Ingester {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/tuapi/"
	}
	if cfg.HoldingDir == "" {
		cfg.HoldingDir = os.TempDir()
	}

	return &Ingester{
		pool:       pool,
		urls:       urls,
		downloader: downloader,
		store:      store,
		cfg:        cfg,
	}
}

// Run refreshes the proxy pool and ingests one image per interval until
// ctx is cancelled. Failures of single iterations are logged and never
// end the loop.
func (i *Ingester) Run(ctx context.Context) {
	i.refreshPool(ctx)

	for {
		i.iterate(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(i.cfg.Interval):
		}

		if i.poolRefreshDue() {
			i.refreshPool(ctx)
		}
	}
}

func (i *Ingester) iterate(ctx context.Context) {
	imageURL := i.urls.FetchOne(ctx)
	if imageURL == "" {
		return
	}

	logger := logrus.WithField("url", imageURL)

	filename, err := FilenameFromURL(imageURL)
	if err != nil {
		logger.WithError(err).Warn("skipping image")
		metrics.Ingestions.WithLabelValues(metrics.ResultFailed).Inc()
		return
	}

	if err = i.IngestOne(ctx, imageURL, filename); err != nil {
		logger.WithError(err).WithField("filename", filename).Error("ingesting image failed")
	}
}

func (i *Ingester) poolRefreshDue() bool {
	if i.pool.Len() == 0 {
		return true
	}
	return i.cfg.ProxyRefreshInterval > 0 && time.Since(i.lastPoolRefresh) >= i.cfg.ProxyRefreshInterval
}

func (i *Ingester) refreshPool(ctx context.Context) {
	i.lastPoolRefresh = time.Now()

	if err := i.pool.Refresh(ctx); err != nil {
		logrus.WithError(err).Warn("proxy pool not updated")
		return
	}

	logrus.WithField("size", i.pool.Len()).Info("proxy pool updated")
}

// IngestOne stores the image at imageURL under the given filename unless
// the store already holds a file of that name. Images are deduplicated
// by filename only.
func (i *Ingester) IngestOne(ctx context.Context, imageURL, filename string) error {
	key := storage.Join(i.cfg.Prefix, filename)
	logger := logrus.WithFields(logrus.Fields{
		"key": key,
		"url": imageURL,
	})

	exists, err := i.store.Exists(ctx, key)
	if err != nil {
		metrics.Ingestions.WithLabelValues(metrics.ResultFailed).Inc()
		return errors.Wrap(err, "checking for existing file")
	}

	if exists {
		logger.Info("file already exists, skipping upload")
		metrics.Ingestions.WithLabelValues(metrics.ResultSkipped).Inc()
		return nil
	}

	if err = i.transfer(ctx, imageURL, key); err != nil {
		metrics.Ingestions.WithLabelValues(metrics.ResultFailed).Inc()
		return err
	}

	logger.Info("image uploaded")
	metrics.Ingestions.WithLabelValues(metrics.ResultStored).Inc()
	return nil
}

// transfer downloads into the holding dir first so an interrupted
// download never reaches the store
func (i *Ingester) transfer(ctx context.Context, imageURL, key string) error {
	body, err := i.downloader.Download(ctx, imageURL)
	if err != nil {
		return errors.Wrap(err, "downloading image")
	}
	defer func() {
		if err := body.Close(); err != nil {
			logrus.WithError(err).Error("closing download body (leaked fd)")
		}
	}()

	tmp, err := os.CreateTemp(i.cfg.HoldingDir, "tuapi-*")
	if err != nil {
		return errors.Wrap(err, "creating holding file")
	}
	defer func() {
		if err := tmp.Close(); err != nil {
			logrus.WithError(err).Error("closing holding file")
		}
		if err := os.Remove(tmp.Name()); err != nil {
			logrus.WithError(err).Error("removing holding file")
		}
	}()

	if _, err = io.Copy(tmp, body); err != nil {
		return errors.Wrap(err, "writing holding file")
	}

	if _, err = tmp.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewinding holding file")
	}

	return errors.Wrap(i.store.Put(ctx, key, tmp), "uploading image")
}

// FilenameFromURL returns the last path segment of an image URL
func FilenameFromURL(imageURL string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidFilename, "parsing URL: %s", err)
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || strings.HasPrefix(name, ".") {
		return "", errors.Wrapf(ErrInvalidFilename, "path %q", u.Path)
	}

	return name, nil
}
