package fetcher

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var (
	// ErrTransport marks network or timeout failures of outbound calls
	ErrTransport = errors.New("transport failure")
	// ErrUpstreamProtocol marks responses of an unexpected shape
	ErrUpstreamProtocol = errors.New("unexpected upstream response")
)

// HTTPClient contains the two outbound HTTP operations: the redirect
// resolution through a proxy and the direct download
type HTTPClient interface {
	// ResolveRedirect issues a GET through the given "host:port" proxy
	// without following redirects
	ResolveRedirect(ctx context.Context, proxy, target string) (status int, location string, err error)
	// Download issues a direct GET following redirects. The caller must
	// close the returned body.
	Download(ctx context.Context, target string) (io.ReadCloser, error)
}

type (
	// ClientOptions configure the outbound HTTP calls
	ClientOptions struct {
		RedirectTimeout    time.Duration
		DownloadTimeout    time.Duration
		InsecureSkipVerify bool
	}

	// Client implements HTTPClient on top of net/http
	Client struct {
		opts     ClientOptions
		download *http.Client
	}
)

var _ HTTPClient = (*Client)(nil)

// NewClient creates a Client. The download connection pool is shared
// by all Download calls.
func NewClient(opts ClientOptions) *Client {
	c := &Client{opts: opts}
	c.download = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: c.tlsConfig(),
		},
		Timeout: opts.DownloadTimeout,
	}
	return c
}

func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: c.opts.InsecureSkipVerify} //#nosec:G402 // Configurable, upstream certificates are not always valid
}

// ResolveRedirect implements the HTTPClient interface
func (c *Client) ResolveRedirect(ctx context.Context, proxy, target string) (int, string, error) {
	proxyURL, err := url.Parse("http://" + proxy)
	if err != nil {
		return 0, "", errors.Wrapf(ErrTransport, "invalid proxy %q: %s", proxy, err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			TLSClientConfig:   c.tlsConfig(),
			DisableKeepAlives: true,
		},
		Timeout: c.opts.RedirectTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", errors.Wrap(err, "creating request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(ErrTransport, "requesting %s: %s", target, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("closing redirect response body (leaked fd)")
		}
	}()

	return resp.StatusCode, resp.Header.Get("Location"), nil
}

// Download implements the HTTPClient interface
func (c *Client) Download(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "downloading %s: %s", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close() //nolint:errcheck,gosec // Discarding the body
		return nil, errors.Wrapf(ErrUpstreamProtocol, "HTTP status signaled failure: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
