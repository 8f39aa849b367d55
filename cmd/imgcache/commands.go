package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meigma/imgcache"
	"github.com/meigma/imgcache/codec"
)

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "imgcache",
		Short:         "Load images through a memory and disk cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.register(root)
	root.AddCommand(
		newGetCmd(o),
		newWarmCmd(o),
		newStatCmd(o),
		newRmCmd(o),
		newClearCmd(o),
	)
	return root
}

// waitSink hands one delivery to a waiting command.
type waitSink struct {
	slot     imgcache.PendingSlot
	animated bool
	done     chan imgcache.Delivery
}

func newWaitSink(animated bool) *waitSink {
	return &waitSink{animated: animated, done: make(chan imgcache.Delivery, 1)}
}

func (s *waitSink) Deliver(d imgcache.Delivery)        { s.done <- d }
func (s *waitSink) PendingSlot() *imgcache.PendingSlot { return &s.slot }
func (s *waitSink) AcceptsAnimated() bool              { return s.animated }

func (s *waitSink) wait(ctx context.Context) (imgcache.Delivery, error) {
	select {
	case d := <-s.done:
		return d, nil
	case <-ctx.Done():
		return imgcache.Delivery{}, ctx.Err()
	}
}

func newGetCmd(o *options) *cobra.Command {
	var output string
	var animated bool
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Load one image and describe it",
		Long: `Load one image through the cache and print where it came from.

KEY is a file path, an http(s) URL, or an oci://registry/repo@digest or
oci://registry/repo:tag reference. With -o the decoded image is written
out again: PNG for a .png name, an animated GIF for animations, and JPEG
otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.env(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			s := newWaitSink(animated)
			if !e.loader.Request(args[0], s) {
				return errors.New("request was not accepted")
			}
			d, err := s.wait(ctx)
			if err != nil {
				e.loader.CancelWork(s)
				return err
			}
			if d.Err != nil {
				return d.Err
			}
			describe(cmd.OutOrStdout(), d)
			if output == "" {
				return nil
			}
			return writeImage(output, d.Result, e.cache.Params().CompressQuality)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the decoded image to this file")
	cmd.Flags().BoolVar(&animated, "animated", false, "keep GIF animations")
	return cmd
}

func describe(w io.Writer, d imgcache.Delivery) {
	switch v := d.Result.(type) {
	case *codec.Image:
		b := v.Bounds()
		fmt.Fprintf(w, "%s\t%s\t%s %dx%d\n", d.Key, d.Source, v.Format(), b.Dx(), b.Dy())
	case *codec.Animation:
		g := v.GIF()
		fmt.Fprintf(w, "%s\t%s\tgif %dx%d, %d frames\n", d.Key, d.Source, g.Config.Width, g.Config.Height, v.Frames())
	default:
		fmt.Fprintf(w, "%s\t%s\t%T\n", d.Key, d.Source, v)
	}
}

func writeImage(path string, v any, quality int) error {
	format := codec.JPEG
	if strings.EqualFold(filepath.Ext(path), ".png") {
		format = codec.PNG
	}
	f, err := os.Create(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return err
	}
	if err := codec.Encode(f, v, format, quality); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newWarmCmd(o *options) *cobra.Command {
	var file, metricsAddr string
	cmd := &cobra.Command{
		Use:   "warm [KEY...]",
		Short: "Load many images into the cache",
		Long: `Load every KEY, plus one key per line of --file ("-" for stdin),
into the cache concurrently and report where each came from.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := append([]string(nil), args...)
			if file != "" {
				more, err := readKeyFile(cmd, file)
				if err != nil {
					return err
				}
				keys = append(keys, more...)
			}
			if len(keys) == 0 {
				return errors.New("no keys given")
			}

			e, err := o.env(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.close() }()

			if metricsAddr != "" {
				stop := serveMetrics(e, metricsAddr)
				defer stop()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return warm(ctx, cmd.OutOrStdout(), e, keys)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read keys from this file, one per line")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while warming")
	return cmd
}

func readKeyFile(cmd *cobra.Command, name string) ([]string, error) {
	if name == "-" {
		return readKeys(cmd.InOrStdin())
	}
	f, err := os.Open(name) //nolint:gosec // path is operator supplied
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readKeys(f)
}

func warm(ctx context.Context, out io.Writer, e *env, keys []string) error {
	type pending struct {
		key  string
		sink *waitSink
	}
	var waiting []pending
	for _, key := range keys {
		s := newWaitSink(false)
		if e.loader.Request(key, s) {
			waiting = append(waiting, pending{key: key, sink: s})
		}
	}

	counts := map[imgcache.Source]int{}
	failed := 0
	for _, p := range waiting {
		d, err := p.sink.wait(ctx)
		if err != nil {
			e.loader.CancelWork(p.sink)
			failed++
			continue
		}
		if d.Err != nil {
			e.log.Warn("load failed", slog.String("key", p.key), slog.Any("error", d.Err))
			failed++
			continue
		}
		counts[d.Source]++
	}

	fmt.Fprintf(out, "loaded %d of %d (memory %d, disk %d, network %d)\n",
		len(waiting)-failed, len(keys),
		counts[imgcache.SourceMemory], counts[imgcache.SourceDisk], counts[imgcache.SourceNetwork])
	if err := e.loader.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d loads failed", failed, len(waiting))
	}
	return ctx.Err()
}

// serveMetrics exposes the loader's registry and returns a func that stops
// the server.
func serveMetrics(e *env, addr string) func() {
	e.reg.MustRegister(collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", gzhttp.GzipHandler(promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newStatCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show cache configuration and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := o.env(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.close() }()

			p := e.cache.Params()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			unit := "bytes"
			if p.MemCacheCountMode {
				unit = "entries"
			}
			fmt.Fprintf(tw, "memory capacity\t%d %s\n", p.MemCacheSize, unit)
			fmt.Fprintf(tw, "disk dir\t%s\n", p.DiskCacheDir)
			fmt.Fprintf(tw, "disk capacity\t%d bytes\n", p.DiskCacheSize)
			fmt.Fprintf(tw, "write-back\t%s q%d\n", p.CompressFormat, p.CompressQuality)
			if entries, size, ok := e.cache.DiskStats(); ok {
				fmt.Fprintf(tw, "disk entries\t%d\n", entries)
				fmt.Fprintf(tw, "disk used\t%d bytes\n", size)
			} else {
				fmt.Fprintf(tw, "disk\tunavailable\n")
			}
			return tw.Flush()
		},
	}
}

func newRmCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY...",
		Short: "Remove images from the disk cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := o.env(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.close() }()

			var errs []error
			for _, key := range args {
				e.cache.RemoveFromMemCache(key)
				if err := e.cache.RemoveFromDiskCache(cmd.Context(), key); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func newClearCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := o.env(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.close() }()
			return e.loader.ClearCache(true)
		},
	}
}
