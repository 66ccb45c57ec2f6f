// cmd/recovery/watch.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recovery/internal/api"
	"recovery/internal/concurrency"
	"recovery/internal/digest"
	"recovery/internal/metrics"
	"recovery/internal/middleware"
	"recovery/internal/store"
	"recovery/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Record workspace edits as they happen",
	Long: `Watches the workspace and records every saved file. Periodically expires
stale pending changes and runs garbage collection. With --listen, serves the
conflict API and Prometheus metrics.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("listen", "", "address for the HTTP API, e.g. 127.0.0.1:7420")
	watchCmd.Flags().Duration("gc-interval", time.Hour, "how often to run garbage collection")
	watchCmd.Flags().String("user", currentUser(), "user id recorded for edits")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	interval, _ := cmd.Flags().GetDuration("gc-interval")
	user, _ := cmd.Flags().GetString("user")

	reg := prometheus.NewRegistry()
	var opts []store.Option
	if listen != "" || appConfig.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, store.WithSink(metrics.NewPromSink(appConfig.Metrics.Namespace, reg, logger.Logger)))
	}

	s, err := openStore(opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	session := uuid.NewString()
	record := func(ctx context.Context, c watch.Change) (digest.Digest, error) {
		res, err := s.Record(ctx, store.Change{
			Path:         c.Path,
			Content:      c.Content,
			Precondition: c.Precondition,
			Source:       c.Source,
			SessionID:    session,
		})
		if err != nil {
			return digest.Digest{}, err
		}
		switch res.Kind {
		case concurrency.Success:
			if err := s.Commit(c.Path); err != nil {
				return digest.Digest{}, err
			}
			fmt.Printf("%s %s\n", green("recorded"), c.Path)
		case concurrency.Conflict:
			fmt.Printf("%s %s (id %s)\n", yellow("conflict"), c.Path, res.Conflict.ID)
		}
		d, _ := s.FileState(c.Path)
		return d, nil
	}

	w, err := watch.New(s.Workspace(), record,
		watch.WithLogger(logger.Logger),
		watch.WithUserID(user),
		watch.WithKnown(s.FileStates()),
		watch.WithIgnoreDirs(filepath.Base(s.Root())),
	)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// catch edits made while nothing was watching
	if err := w.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(w.Run)
	p.Go(func(ctx context.Context) error {
		return maintain(ctx, s, interval)
	})
	if listen != "" {
		p.Go(func(ctx context.Context) error {
			return serve(ctx, listen, s, reg)
		})
	}

	fmt.Printf("watching %s\n", s.Workspace())
	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// maintain expires stale pending changes every minute and collects garbage
// once per interval.
func maintain(ctx context.Context, s *store.Store, interval time.Duration) error {
	sched := s.Scheduler(interval)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			expired, err := s.ExpirePending()
			if err != nil {
				logger.Warn("expiring pending changes", zap.Error(err))
			} else if len(expired) > 0 {
				logger.Info("expired pending changes", zap.Strings("paths", expired))
			}

			res, err := sched.RunIfDue(ctx, now)
			if err != nil {
				logger.Warn("garbage collection failed", zap.Error(err))
				continue
			}
			if res != nil {
				logger.Info("garbage collection finished",
					zap.Int("swept", res.Swept),
					zap.Int("packed", res.Packed),
					zap.Int64("bytes_freed", res.BytesFreed))
			}
		}
	}
}

func serve(ctx context.Context, addr string, s *store.Store, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	api.NewHandler(s).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(mux, middleware.RequestID, middleware.Recover(logger), middleware.Logger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving api", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
