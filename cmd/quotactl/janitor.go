package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/meter"
)

// JanitorCmd sweeps expired usage until interrupted and serves metrics.
type JanitorCmd struct {
	MetricsAddr string `name:"metrics-addr" help:"Address for /metrics and /healthz (empty = disabled)." default:":9090"`
	NoSeed      bool   `name:"no-seed" help:"Do not write configured policies at startup."`
}

func (c *JanitorCmd) Run(cli *CLI, _ io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, cli)
}

func (c *JanitorCmd) run(ctx context.Context, cli *CLI) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := meter.Multi(meter.NewLogMeter(slog.Default()), meter.NewPrometheusMeter(reg))

	b, err := cli.open(ctx, m)
	if err != nil {
		return err
	}
	defer b.close()

	if !c.NoSeed && b.cfg.Backend != quotaguard.BackendMemory {
		if err := b.seed(ctx); err != nil {
			return err
		}
	}

	opts := append(b.cfg.JanitorOptions(),
		quotaguard.WithJanitorMeter(m),
		quotaguard.WithJanitorLogger(slog.Default()),
	)
	janitor, err := quotaguard.NewJanitor(b.ledger, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return janitor.Run(gctx) })

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		srv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			slog.Info("serving metrics", "addr", c.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("janitor started",
		"backend", b.cfg.Backend,
		"retention", janitor.Retention(),
		"interval", b.cfg.SweepInterval,
	)
	err = g.Wait()
	slog.Info("janitor stopped")
	return err
}
