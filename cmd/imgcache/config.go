package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meigma/imgcache"
	"github.com/meigma/imgcache/cache"
	"github.com/meigma/imgcache/codec"
	"github.com/meigma/imgcache/fetch"
	imghttp "github.com/meigma/imgcache/fetch/http"
	"github.com/meigma/imgcache/fetch/oci"
)

type options struct {
	configFile   string
	dir          string
	memPercent   float64
	memCount     int
	diskSize     int64
	format       string
	quality      int
	workers      int
	timeout      time.Duration
	maxBytes     int64
	plainHTTP    bool
	dockerConfig bool
	logLevel     string
	logFile      string
	logJSON      bool
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.configFile, "config", "", "YAML cache params file")
	f.StringVar(&o.dir, "dir", defaultCacheDir(), "disk cache directory")
	f.Float64Var(&o.memPercent, "mem-percent", 0, "memory tier size as a fraction of system memory (0.01-0.8)")
	f.IntVar(&o.memCount, "mem-count", 0, "memory tier size in entries")
	f.Int64Var(&o.diskSize, "disk-size", 0, "disk tier size in bytes")
	f.StringVar(&o.format, "format", "", "disk write-back format: jpeg or png")
	f.IntVar(&o.quality, "quality", 0, "JPEG write-back quality (1-100)")
	f.IntVar(&o.workers, "workers", imgcache.DefaultWorkers, "concurrent loads")
	f.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall timeout")
	f.Int64Var(&o.maxBytes, "max-bytes", 64<<20, "largest HTTP response accepted")
	f.BoolVar(&o.plainHTTP, "plain-http", false, "talk to OCI registries without TLS")
	f.BoolVar(&o.dockerConfig, "docker-config", true, "read OCI credentials from ~/.docker/config.json")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	f.StringVar(&o.logFile, "log-file", "", "write JSON logs to this rotating file instead of stderr")
	f.BoolVar(&o.logJSON, "log-json", false, "log JSON to stderr")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "imgcache")
	}
	return filepath.Join(dir, "imgcache")
}

func (o *options) logger(stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", o.logLevel, err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	if o.logFile != "" {
		w := &lumberjack.Logger{
			Filename:   o.logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(w, hopts)), w, nil
	}
	if o.logJSON {
		return slog.New(slog.NewJSONHandler(stderr, hopts)), nopCloser{}, nil
	}
	return slog.New(slog.NewTextHandler(stderr, hopts)), nopCloser{}, nil
}

func (o *options) params() (cache.Params, error) {
	p := cache.DefaultParams(o.dir)
	if o.configFile != "" {
		loaded, err := cache.LoadParams(o.configFile)
		if err != nil {
			return cache.Params{}, err
		}
		p = loaded
		if p.DiskCacheDir == "" {
			p.DiskCacheDir = o.dir
		}
	}
	switch {
	case o.memCount > 0:
		p.SetMemCacheSizeCount(o.memCount)
	case o.memPercent > 0:
		if err := p.SetMemCacheSizePercent(o.memPercent); err != nil {
			return cache.Params{}, err
		}
	}
	if o.diskSize > 0 {
		p.DiskCacheSize = o.diskSize
	}
	if o.format != "" {
		f, err := codec.ParseFormat(o.format)
		if err != nil {
			return cache.Params{}, err
		}
		p.CompressFormat = f
	}
	if o.quality > 0 {
		p.CompressQuality = o.quality
	}
	return p, p.Validate()
}

// env is everything a command needs, built from the flags.
type env struct {
	log     *slog.Logger
	logSink io.Closer
	cache   *cache.ImageCache
	loader  *imgcache.Loader
	metrics *imgcache.Metrics
	reg     *prometheus.Registry
}

func (o *options) env(cmd *cobra.Command) (*env, error) {
	log, closer, err := o.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	params, err := o.params()
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := imgcache.NewMetrics(reg)
	c, err := cache.New(params,
		cache.WithLogger(log),
		cache.WithEvictCallback(metrics.ObserveEviction))
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	c.InitDiskCache()
	if !c.DiskAvailable() {
		log.Warn("running without a disk cache", slog.String("dir", params.DiskCacheDir))
	}

	ociOpts := []oci.Option{oci.WithPlainHTTP(o.plainHTTP), oci.WithUserAgent("imgcache-cli/1.0")}
	if o.dockerConfig {
		ociOpts = append(ociOpts, oci.WithDockerConfig())
	}
	httpFetcher := imghttp.New(imghttp.WithMaxBytes(o.maxBytes), imghttp.WithUserAgent("imgcache-cli/1.0"))
	router := fetch.NewRouter(
		fetch.WithLogger(log),
		fetch.WithFetcher("http", httpFetcher),
		fetch.WithFetcher("https", httpFetcher),
		fetch.WithFetcher(oci.Scheme, oci.New(ociOpts...)),
	)

	l, err := imgcache.New(c, router, codec.New(codec.WithLogger(log)),
		imgcache.WithLogger(log),
		imgcache.WithWorkers(o.workers),
		imgcache.WithFadeIn(false),
		imgcache.WithMetrics(metrics))
	if err != nil {
		_ = c.Close()
		_ = closer.Close()
		return nil, err
	}
	return &env{log: log, logSink: closer, cache: c, loader: l, metrics: metrics, reg: reg}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.loader.Close(ctx)
	if closeErr := e.logSink.Close(); err == nil {
		err = closeErr
	}
	return err
}

func readKeys(r io.Reader) ([]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}
