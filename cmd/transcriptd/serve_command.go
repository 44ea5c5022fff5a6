package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpAdapter "github.com/cwygoda/transcriptd/internal/adapter/http"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the retry worker and HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{needSync: true, logOutput: cmd.OutOrStdout()}, func(a *app) error {
				addr := a.cfg.Server.Bind
				if strings.TrimSpace(bind) != "" {
					addr = strings.TrimSpace(bind)
				}
				return serve(cmd.Context(), a, addr)
			})
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}

func serve(parent context.Context, a *app, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := a.log
	log.Info("starting transcriptd",
		"bind", addr,
		"storage", a.cfg.Storage.Driver,
		"path", a.cfg.Storage.Path,
		"mentors", len(a.cfg.Mentors),
		"generators", len(a.cfg.Generators),
	)
	if a.cfg.Server.ServiceKey == "" {
		log.Warn("server.service_key is empty; authenticated endpoints will reject every call")
	}

	srv := httpAdapter.NewServer(a.worker, a.producer, a.store, httpAdapter.Options{
		Addr:        addr,
		ServiceKey:  a.cfg.Server.ServiceKey,
		Logger:      log,
		BaseContext: ctx,
	})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.worker.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		log.Error("HTTP server error", "error", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", "error", err)
	}
	<-workerDone

	log.Info("shutdown complete")
	return runErr
}
