// Package fetcher resolves image URLs from a redirect-only image API,
// rotating through the proxies of a proxypool.Pool
package fetcher

import (
	"context"
	"net/url"

	"github.com/Luzifer/tuapi-mirror/pkg/metrics"
	"github.com/Luzifer/tuapi-mirror/pkg/proxypool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultAPIURL is the redirect API returning a random image location
const DefaultAPIURL = "https://tuapi.eees.cc/api.php?category=dongman&type=302"

// Fetcher resolves one image URL per FetchOne call
type Fetcher struct {
	pool   *proxypool.Pool
	client HTTPClient
	apiURL string
}

// New creates a Fetcher calling apiURL through the proxies of pool
func New(pool *proxypool.Pool, client HTTPClient, apiURL string) *Fetcher {
	return &Fetcher{pool: pool, client: client, apiURL: apiURL}
}

// FetchOne asks the redirect API for an image location through the next
// proxy of the pool. It returns an empty string on any failure; a proxy
// involved in a failed request is evicted from the pool.
func (f *Fetcher) FetchOne(ctx context.Context) string {
	proxy, err := f.pool.Next()
	if err != nil {
		logrus.WithError(err).Warn("no proxy available")
		metrics.ImageURLFetches.WithLabelValues(metrics.ResultFailed).Inc()
		return ""
	}

	logger := logrus.WithFields(logrus.Fields{
		"proxy": proxy,
		"api":   f.apiURL,
	})
	logger.Debug("requesting image URL")

	imageURL, err := f.resolve(ctx, proxy)
	if err != nil {
		logger.WithError(err).Warn("fetching image URL failed, evicting proxy")
		if _, ok := f.pool.EvictCurrent(); ok {
			logger.WithField("remaining", f.pool.Len()).Debug("proxy evicted")
		}
		metrics.ImageURLFetches.WithLabelValues(metrics.ResultFailed).Inc()
		return ""
	}

	logger.WithField("image_url", imageURL).Info("got image URL")
	metrics.ImageURLFetches.WithLabelValues(metrics.ResultSuccess).Inc()
	return imageURL
}

func (f *Fetcher) resolve(ctx context.Context, proxy string) (string, error) {
	status, location, err := f.client.ResolveRedirect(ctx, proxy, f.apiURL)
	if err != nil {
		if errors.Is(err, ErrTransport) || errors.Is(err, ErrUpstreamProtocol) {
			return "", err
		}
		return "", errors.Wrapf(ErrTransport, "%s", err)
	}

	if status < 200 || status >= 400 {
		return "", errors.Wrapf(ErrUpstreamProtocol, "unexpected status %d", status)
	}

	if location == "" {
		return "", errors.Wrapf(ErrUpstreamProtocol, "no Location header in response (status %d)", status)
	}

	base, err := url.Parse(f.apiURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing API URL")
	}

	ref, err := url.Parse(location)
	if err != nil {
		return "", errors.Wrapf(ErrUpstreamProtocol, "invalid Location header %q", location)
	}

	return base.ResolveReference(ref).String(), nil
}
