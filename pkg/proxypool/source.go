package proxypool

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultListTimeout = 10 * time.Second

// ListSource fetches a plain text proxy list: one "host:port" per line
type ListSource struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewListSource creates a source reading the list at url
func NewListSource(url string, timeout time.Duration) *ListSource {
	if timeout <= 0 {
		timeout = defaultListTimeout
	}
	return &ListSource{URL: url, Timeout: timeout, Client: http.DefaultClient}
}

// Fetch implements the Source interface
func (s *ListSource) Fetch(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching list")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("closing proxy list body (leaked fd)")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var entries []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !validAddress(line) {
			logrus.WithField("line", line).Debug("skipping invalid proxy line")
			continue
		}

		entries = append(entries, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading list")
	}

	return entries, nil
}

func validAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}

	port, err := strconv.Atoi(portStr)
	return err == nil && port > 0 && port < 65536
}
