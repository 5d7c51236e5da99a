package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/Luzifer/rconfig/v2"
	"github.com/Luzifer/tuapi-mirror/pkg/fetcher"
	"github.com/Luzifer/tuapi-mirror/pkg/ingest"
	"github.com/Luzifer/tuapi-mirror/pkg/metrics"
	"github.com/Luzifer/tuapi-mirror/pkg/proxypool"
	"github.com/Luzifer/tuapi-mirror/pkg/storage"
	"github.com/Luzifer/tuapi-mirror/pkg/storage/backend"
)

var (
	cfg = struct {
		APIURL               string        `flag:"api-url" default:"https://tuapi.eees.cc/api.php?category=dongman&type=302" description:"Redirect API returning the image location"`
		DownloadTimeout      time.Duration `flag:"download-timeout" default:"60s" description:"Timeout for downloading an image"`
		HoldingDir           string        `flag:"holding-dir" default:"" description:"Directory for temporary downloads (default: system temp dir)"`
		InsecureTLS          bool          `flag:"insecure-tls" default:"true" description:"Skip TLS certificate verification for upstream and storage"`
		Interval             time.Duration `flag:"interval" default:"5s" description:"Pause between two fetched images"`
		LogLevel             string        `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		MetricsListen        string        `flag:"metrics-listen" default:"" description:"Port/IP to expose metrics on (empty to disable)"`
		ProxyListURL         string        `flag:"proxy-list-url" default:"https://api.openproxylist.xyz/http.txt" description:"Plain text list of HTTP proxies (host:port per line)"`
		ProxyListTimeout     time.Duration `flag:"proxy-list-timeout" default:"10s" description:"Timeout for fetching the proxy list"`
		ProxyRefreshInterval time.Duration `flag:"proxy-refresh-interval" default:"30m" description:"Re-fetch the proxy list after this time (0 to refresh only when empty)"`
		RedirectTimeout      time.Duration `flag:"redirect-timeout" default:"15s" description:"Timeout for the redirect API call"`
		StoragePass          string        `flag:"storage-pass" env:"WEBDAV_PASSWORD" default:"" description:"Password for the WebDAV storage"`
		StoragePrefix        string        `flag:"storage-prefix" default:"/tuapi/" description:"Directory in the storage to store images in"`
		StorageTimeout       time.Duration `flag:"storage-timeout" default:"30s" description:"Timeout for a single storage operation"`
		StorageURI           string        `flag:"storage-uri" env:"WEBDAV_URL" default:"" description:"Storage to write images to (https://webdav, gs://bucket/prefix, file:///path)" validate:"nonzero"`
		StorageUser          string        `flag:"storage-user" env:"WEBDAV_USERNAME" default:"" description:"Username for the WebDAV storage"`
		VersionAndExit       bool          `flag:"version" default:"false" description:"Prints current version and exits"`
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
		fmt.Printf("tuapi-ingest %s\n", version)
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

	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen)
	}

	pool := proxypool.New(proxypool.NewListSource(cfg.ProxyListURL, cfg.ProxyListTimeout))
	client := fetcher.NewClient(fetcher.ClientOptions{
		RedirectTimeout:    cfg.RedirectTimeout,
		DownloadTimeout:    cfg.DownloadTimeout,
		InsecureSkipVerify: cfg.InsecureTLS,
	})

	ing := ingest.New(
		pool,
		fetcher.New(pool, client, cfg.APIURL),
		client,
		backend.WithTimeout(store, cfg.StorageTimeout),
		ingest.Config{
			Interval:             cfg.Interval,
			ProxyRefreshInterval: cfg.ProxyRefreshInterval,
			Prefix:               storage.NormalizePrefix(cfg.StoragePrefix),
			HoldingDir:           cfg.HoldingDir,
		},
	)

	log.WithFields(log.Fields{
		"api":     cfg.APIURL,
		"version": version,
	}).Info("tuapi-ingest started")

	ing.Run(ctx)

	log.Info("Shutdown complete")
}

func serveMetrics(listen string) {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Error("Metrics server failed")
	}
}
