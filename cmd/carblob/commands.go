package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/digest"
	"github.com/jacktea/carblob/pkg/gc"
	"github.com/jacktea/carblob/pkg/index"
	"github.com/jacktea/carblob/pkg/server/httpapi"
	"github.com/jacktea/carblob/pkg/server/middleware"
	"github.com/jacktea/carblob/pkg/service"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index, stat, serve and hash operations over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, application)
		},
	}
	cmd.Flags().String("addr", ":8080", "API listen address")
	cmd.Flags().String("metrics-addr", ":9090", "metrics listen address (empty disables)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Duration("shutdown-timeout", 5*time.Second, "grace period for in-flight requests")
	cmd.Flags().Duration("sweep-interval", time.Hour, "digest cache sweep interval (0 disables)")
	bindConfig("http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("http.metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	bindConfig("http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("http.shutdown_timeout", cmd.Flags().Lookup("shutdown-timeout"))
	bindConfig("digest.sweep_interval", cmd.Flags().Lookup("sweep-interval"))
	return cmd
}

func newIndexCmd() *cobra.Command {
	var (
		offset int64
		extent string
	)
	cmd := &cobra.Command{
		Use:   "index <key>",
		Short: "Print the block index of an archive as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, err := index.ParseExtent(extent)
			if err != nil {
				return err
			}
			return doIndex(cmd.Context(), application.svc, os.Stdout, args[0], offset, ext)
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "resume at this frame boundary")
	cmd.Flags().StringVar(&extent, "extent", "frame", "reported span: frame|data")
	return cmd
}

func newStatCmd() *cobra.Command {
	var human bool
	cmd := &cobra.Command{
		Use:   "stat <key>",
		Short: "Print the object size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStat(cmd.Context(), application.svc, os.Stdout, args[0], human)
		},
	}
	cmd.Flags().BoolVarP(&human, "human", "H", false, "print a human readable size instead of JSON")
	return cmd
}

func newCatCmd() *cobra.Command {
	var rangeSpec string
	cmd := &cobra.Command{
		Use:   "cat <key>",
		Short: "Write object bytes to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(cmd.Context(), application.svc, os.Stdout, args[0], rangeSpec)
		},
	}
	cmd.Flags().StringVar(&rangeSpec, "range", "", "byte range, e.g. bytes=0-99")
	return cmd
}

func newHashCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "hash <key>",
		Short: "Print the multihash digest of the whole object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doHash(cmd.Context(), application.svc, os.Stdout, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the DAG-JSON encoding")
	return cmd
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Store a file (or stdin) under key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 || args[1] == "-" {
				return doPut(cmd.Context(), application.store, args[0], os.Stdin, -1)
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return err
			}
			return doPut(cmd.Context(), application.store, args[0], f, st.Size())
		},
	}
}

func newBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <key> <offset>",
		Short: "Write the payload of the block framed at offset to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offset %q", args[1])
			}
			return doBlock(cmd.Context(), application.svc, os.Stdout, os.Stderr, args[0], offset)
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Prune stale digest cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if application.digests == nil {
				return errors.New("gc: no digest cache configured (--digest-cache)")
			}
			return doGC(cmd.Context(), application.sweeper(), os.Stdout)
		},
	}
}

func (a *app) sweeper() *gc.Sweeper {
	return gc.NewSweeper(gc.Options{
		Store:  a.digests,
		Blob:   a.store,
		MaxAge: a.cfg.Digest.CacheTTL,
		Logger: a.log.Named("gc"),
	})
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg.HTTP
	opts := httpapi.Options{ShutdownTimeout: cfg.ShutdownTimeout}
	if cfg.RateLimit > 0 {
		opts.RateLimit = middleware.RateLimitOptions{Requests: cfg.RateLimit, Window: cfg.RateWindow}
	}
	api := &httpapi.Server{Service: a.svc, Log: a.log.Named("http"), Metrics: a.metrics, Opts: opts}

	if a.digests != nil && a.cfg.Digest.SweepInterval > 0 {
		stop := a.sweeper().Start(ctx, a.cfg.Digest.SweepInterval)
		defer stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Start(ctx, cfg.Addr) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, a, cfg.MetricsAddr) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, a *app, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	a.log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func doIndex(ctx context.Context, svc *service.Service, w io.Writer, key string, offset int64, extent index.Extent) error {
	it, err := svc.Index(ctx, key, offset, extent)
	if err != nil {
		return err
	}
	defer it.Close()
	n, err := index.Copy(ctx, w, it)
	if err != nil {
		return fmt.Errorf("index %s: stopped after %d records at offset %d: %w", key, n, it.Position(), err)
	}
	return nil
}

func doStat(ctx context.Context, svc *service.Service, w io.Writer, key string, human bool) error {
	info, err := svc.Stat(ctx, key)
	if err != nil {
		return err
	}
	if human {
		_, err = fmt.Fprintf(w, "%s\t%s (%d bytes)\n", key, humanize.IBytes(uint64(info.Size)), info.Size)
		return err
	}
	if err := service.EncodeInfo(w, info); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n")
	return err
}

func doCat(ctx context.Context, svc *service.Service, w io.Writer, key, rangeSpec string) error {
	rng, err := service.ParseRange(rangeSpec)
	if err != nil {
		return err
	}
	obj, err := svc.Serve(ctx, key, rng)
	if err != nil {
		return err
	}
	defer obj.Close()
	_, err = io.Copy(w, obj.Body)
	return err
}

func doHash(ctx context.Context, svc *service.Service, w io.Writer, key string, asJSON bool) error {
	d, err := svc.Hash(ctx, key)
	if err != nil {
		return err
	}
	if asJSON {
		if err := digest.Encode(w, d); err != nil {
			return err
		}
		_, err = io.WriteString(w, "\n")
		return err
	}
	_, err = fmt.Fprintf(w, "%s\t%s\n", d, key)
	return err
}

func doPut(ctx context.Context, store blob.Store, key string, r io.Reader, size int64) error {
	return store.Put(ctx, key, r, size)
}

func doBlock(ctx context.Context, svc *service.Service, w, info io.Writer, key string, offset int64) error {
	b, err := svc.Block(ctx, key, offset)
	if err != nil {
		return err
	}
	fmt.Fprintf(info, "%s\toffset=%d length=%d\n", b.CID, b.Offset, b.Length)
	_, err = w.Write(b.Data)
	return err
}

func doGC(ctx context.Context, sweeper *gc.Sweeper, w io.Writer) error {
	res, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "gc removed %d expired and %d orphaned digests\n", res.Expired, res.Orphans)
	return err
}
