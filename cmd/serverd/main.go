// SPDX-License-Identifier: MIT

// serverd is the central registry: capture hosts register and ping in, the
// UI reads the fresh host set, and device access is brokered through
// blocking locks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/stbmon/capturehost/internal/config"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/registry"
	"github.com/stbmon/capturehost/internal/speedtest"
	"github.com/stbmon/capturehost/internal/version"
)

const defaultPort = 5000

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Service: "capturehost-server"})
	logger := xglog.WithComponent("serverd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("serverd exited")
	}
	logger.Info().Msg("serverd stopped")
}

func run(ctx context.Context) error {
	logger := xglog.WithComponent("serverd")

	port := defaultPort
	if env := os.Getenv("SERVER_PORT"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			port = n
		}
	}

	reg := registry.New(config.RegistryTTL)
	api := registry.NewServer(reg, speedtest.NewCache())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", api.Routes())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Stale-host sweep once a minute.
	g.Go(func() error {
		c := cron.New()
		_, err := c.AddFunc("* * * * *", func() {
			if n := reg.CleanupStale(); n > 0 {
				logger.Info().Int("evicted", n).Msg("stale sweep")
			}
		})
		if err != nil {
			return fmt.Errorf("sweep schedule: %w", err)
		}
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return ctx.Err()
	})

	g.Go(func() error {
		logger.Info().
			Str(xglog.FieldEvent, "server.listening").
			Int("port", port).
			Msg("registry listening")
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	})

	return g.Wait()
}
