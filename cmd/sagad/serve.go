package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	adminhttp "github.com/finvest/sagaflow/management/http"
	"github.com/finvest/sagaflow/trigger"
)

const shutdownTimeout = 15 * time.Second

var (
	serveShort = "Run the payment trigger, the admin API and the recovery sweep"

	serveLong = `Starts the admin HTTP API on http.addr and runs the recovery sweep every
recovery.interval. When nats.url is set, payment.completed messages on
nats.subject start investment sagas.

SIGINT or SIGTERM stops the trigger first, then drains in-flight admin
requests.`
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: serveShort,
		Long:  serveLong,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}
}

// adminHandler mounts the admin API behind the configured identity header,
// next to an unauthenticated health check.
func (a *app) adminHandler() http.Handler {
	admin := adminhttp.New(a.manager,
		adminhttp.WithAuthorizer(adminhttp.HeaderAuthorizer(a.cfg.HTTP.AdminHeader)),
		adminhttp.WithSweeper(a.sweeper),
		adminhttp.WithLogger(a.logger.With("component", "saga.admin")),
	)

	mux := http.NewServeMux()
	mux.Handle(adminhttp.Prefix, admin)
	mux.Handle(adminhttp.Prefix+"/", admin)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// startTrigger subscribes the payment listener. The returned function stops
// it and drains the connection.
func (a *app) startTrigger(ctx context.Context) (func(), error) {
	if a.cfg.NATS.URL == "" {
		a.logger.Warn("nats.url not set, payment trigger disabled")
		return func() {}, nil
	}

	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("sagad"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	listener := trigger.NewListener(nc, a.coord, a.deps, a.keys,
		trigger.WithSubject(a.cfg.NATS.Subject),
		trigger.WithQueue(a.cfg.NATS.Queue),
		trigger.WithLogger(a.logger.With("component", "saga.trigger")),
	)
	if err := listener.Start(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	return func() {
		if err := listener.Stop(); err != nil {
			a.logger.Error("stop payment trigger", "error", err)
		}
		if err := nc.Drain(); err != nil {
			a.logger.Error("drain nats", "error", err)
		}
	}, nil
}

func (a *app) serve(ctx context.Context) error {
	slog.SetDefault(a.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopTrigger, err := a.startTrigger(ctx)
	if err != nil {
		return err
	}
	defer stopTrigger()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = a.sweeper.Run(ctx, a.cfg.Recovery.Interval)
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("admin api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-serveErr:
		a.logger.Error("admin api failed", "error", err)
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	<-sweepDone
	return err
}
