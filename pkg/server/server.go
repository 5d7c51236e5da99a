// Package server exposes the random image endpoint on top of a directory
// cache and the blob store
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"

	httphelper "github.com/Luzifer/go_helpers/http"
	"github.com/Luzifer/tuapi-mirror/pkg/dircache"
	"github.com/Luzifer/tuapi-mirror/pkg/metrics"
	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type (
	// Cache is the part of the directory cache the server reads
	Cache interface {
		EnsureFresh(ctx context.Context) error
		PickRandom() (dircache.ImageEntry, bool)
	}

	// Getter fetches file contents from the blob store
	Getter interface {
		Get(ctx context.Context, key string) (io.ReadCloser, error)
	}

	// Server handles the HTTP requests
	Server struct {
		cache  Cache
		store  Getter
		prefix string
	}
)

// New creates a Server reading images below prefix of store
func New(cache Cache, store Getter, prefix string) *Server {
	return &Server{cache: cache, store: store, prefix: prefix}
}

// Handler returns the router with all endpoints, wrapped into the access
// logger
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/random-image", s.handleRandomImage).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return httphelper.NewHTTPLogHandler(r)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRandomImage(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.EnsureFresh(r.Context()); err != nil {
		// A stale cache is still served below; an unreachable store on a
		// cold cache answers 404 like an empty one
		logrus.WithError(err).Warn("refreshing directory cache")
	}

	entry, ok := s.cache.PickRandom()
	if !ok {
		s.respondError(w, http.StatusNotFound, "No images found")
		return
	}

	key := storage.Join(s.prefix, entry.Name)
	logger := logrus.WithField("key", key)

	body, err := s.store.Get(r.Context(), key)
	if err != nil {
		logger.WithError(err).Error("fetching image from store")
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			logger.WithError(err).Error("closing image body (leaked fd)")
		}
	}()

	w.Header().Set("Content-Type", entry.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	metrics.ServedImages.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()

	if r.Method == http.MethodHead {
		return
	}

	if _, err = io.Copy(w, body); err != nil {
		// Headers are gone already, nothing left to tell the client
		logger.WithError(err).Warn("streaming image")
	}
}

func (*Server) respondError(w http.ResponseWriter, code int, msg string) {
	metrics.ServedImages.WithLabelValues(strconv.Itoa(code)).Inc()
	http.Error(w, msg, code)
}
