package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/Luzifer/rconfig/v2"
	"github.com/Luzifer/tuapi-mirror/pkg/dircache"
	"github.com/Luzifer/tuapi-mirror/pkg/server"
	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/Luzifer/tuapi-mirror/pkg/storage/backend"
)

const shutdownTimeout = 10 * time.Second

var (
	cfg = struct {
		InsecureTLS     bool          `flag:"insecure-tls" default:"false" description:"Skip TLS certificate verification of the storage"`
		Listen          string        `flag:"listen" default:":8888" description:"Port/IP to listen on"`
		LogLevel        string        `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		RefreshSchedule string        `flag:"refresh-schedule" default:"0 * * * *" description:"Cron schedule to refresh the directory cache"`
		StoragePass     string        `flag:"storage-pass" env:"WEBDAV_PASSWORD" default:"" description:"Password for the WebDAV storage"`
		StoragePrefix   string        `flag:"storage-prefix" default:"/tuapi/" description:"Directory in the storage holding the images"`
		StorageTimeout  time.Duration `flag:"storage-timeout" default:"30s" description:"Timeout for a single storage operation"`
		StorageURI      string        `flag:"storage-uri" env:"WEBDAV_URL" default:"" description:"Storage to read images from (https://webdav, gs://bucket/prefix, file:///path)" validate:"nonzero"`
		StorageUser     string        `flag:"storage-user" env:"WEBDAV_USERNAME" default:"" description:"Username for the WebDAV storage"`
		VersionAndExit  bool          `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	version = "dev"
)

func init() {
	loadEnvFile()

	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		log.Fatalf("Unable to parse commandline options: %s", err)
	}

	if cfg.VersionAndExit {
		fmt.Printf("tuapi-serve %s\n", version)
		os.Exit(0)
	}

	if l, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("Unable to parse log level")
	} else {
		log.SetLevel(l)
	}
}

// loadEnvFile prefers .env.local over .env, both are optional
func loadEnvFile() {
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			log.WithError(err).WithField("file", f).Fatal("Unable to load environment file")
		}
		return
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closer, err := backend.New(ctx, backend.Config{
		URI:                cfg.StorageURI,
		Username:           cfg.StorageUser,
		Password:           cfg.StoragePass,
		Timeout:            cfg.StorageTimeout,
		InsecureSkipVerify: cfg.InsecureTLS,
	})
	if err != nil {
		log.WithError(err).Fatal("Unable to set up storage")
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.WithError(err).Error("Unable to close storage")
		}
	}()
	store = backend.WithTimeout(store, cfg.StorageTimeout)

	prefix := storage.NormalizePrefix(cfg.StoragePrefix)
	cache := dircache.New(store, prefix)

	scheduler := cron.New()
	if err = cache.Schedule(ctx, scheduler, cfg.RefreshSchedule); err != nil {
		log.WithError(err).Fatal("Unable to schedule directory refresh")
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	if _, err = cache.Refresh(ctx); err != nil {
		log.WithError(err).Warn("Initial directory refresh failed")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(cache, store, prefix).Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Unable to shut down HTTP server")
		}
	}()

	log.WithFields(log.Fields{
		"listen":  cfg.Listen,
		"version": version,
	}).Info("tuapi-serve started")

	if err = srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("HTTP server failed")
	}
}
