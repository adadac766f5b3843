// SPDX-License-Identifier: MIT

// hostd runs every capture-host service: frame monitor, archiver, KPI
// executor, transcript accumulator, audio detector, zapping detector, and
// the registration ping loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/stbmon/capturehost/internal/archiver"
	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/incident"
	"github.com/stbmon/capturehost/internal/kpi"
	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/monitor"
	"github.com/stbmon/capturehost/internal/objstore"
	"github.com/stbmon/capturehost/internal/registry"
	"github.com/stbmon/capturehost/internal/speedtest"
	"github.com/stbmon/capturehost/internal/store"
	"github.com/stbmon/capturehost/internal/transcribe"
	"github.com/stbmon/capturehost/internal/verify"
	"github.com/stbmon/capturehost/internal/version"
	"github.com/stbmon/capturehost/internal/zapping"
)

const (
	referenceCacheDir = "/tmp/reference_cache"
	translateEndpoint = "https://translate.googleapis.com/translate_a/single"
	pingInterval      = 30 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Service: "capturehost"})
	logger := xglog.WithComponent("hostd")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("hostd exited")
	}
	logger.Info().Msg("hostd stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := xglog.WithComponent("hostd")

	// Persistence: a missing database never stops the pipeline.
	var st store.Store = store.NullStore{}
	if cfg.DatabaseURL != "" {
		sqlite, err := store.Open(cfg.DatabaseURL, store.DefaultConfig())
		if err != nil {
			logger.Warn().Err(err).Msg("database unavailable, continuing on filesystem artifacts")
		} else {
			st = sqlite
			defer func() { _ = sqlite.Close() }()
		}
	}

	// Object store: nil uploader means evidence keeps local paths.
	var uploader objstore.Uploader
	client := objstore.NewClient(objstore.Config{
		Endpoint:   cfg.R2Endpoint,
		Bucket:     cfg.R2Bucket,
		PublicBase: cfg.R2PublicBase,
		AccessKey:  cfg.R2AccessKey,
		SecretKey:  cfg.R2SecretKey,
	})
	if cfg.R2Endpoint != "" {
		uploader = client
	}

	resolver := layout.NewResolver(cfg)
	incidents := incident.NewManager(st, cfg.HostName)
	if n := incidents.ResolveAllOnStartup(ctx); n > 0 {
		logger.Info().Int("resolved", n).Msg("cold boot resolved stale incidents")
	}

	checkMacroblocks := os.Getenv("CHECK_MACROBLOCKS") == "true"
	mon := monitor.New(cfg, resolver, incidents, uploader, checkMacroblocks)
	incidents.CleanupOrphans(ctx, mon.MonitoredDeviceIDs())

	banner := zapping.NewOpenRouterAnalyzer(cfg.OpenRouterAPIKey)
	zapDet := zapping.NewDetector(resolver, st, uploader, banner, cfg.HostName, cfg.ZapDefaultTeamID)
	mon.WithZapObserver(zapDet)

	refs := objstore.NewReferenceCache(client, referenceCacheDir)
	verifier := verify.NewExecutor(refs)
	kpiExec := kpi.NewExecutor(st, uploader, verifier)

	arch := archiver.New(resolver)

	captureFolders := make([]string, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		captureFolders = append(captureFolders, dev.CaptureFolder)
	}
	probe := transcribe.NewFFmpegProbe()
	accumulator := transcribe.NewAccumulator(resolver, captureFolders,
		transcribe.NewWhisperCLI(),
		transcribe.NewHTTPTranslator(translateEndpoint),
		transcribe.NewEdgeTTS(),
		probe)
	audioWorker := transcribe.NewAudioWorker(resolver, cfg.Devices, probe, incidents, mon, uploader)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return kpiExec.Run(ctx) })
	g.Go(func() error { return zapDet.Run(ctx) })
	g.Go(func() error { return accumulator.Run(ctx) })
	g.Go(func() error { return audioWorker.Run(ctx) })

	// Archiver on a fixed 5-minute schedule; one cycle runs immediately so a
	// restart never waits out a full interval with an overflowing hot tier.
	g.Go(func() error {
		arch.RunCycle(ctx)
		c := cron.New()
		_, err := c.AddFunc("*/5 * * * *", func() { arch.RunCycle(ctx) })
		if err != nil {
			return fmt.Errorf("archiver schedule: %w", err)
		}
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return ctx.Err()
	})

	if cfg.ServerURL != "" {
		g.Go(func() error { return registrationLoop(ctx, cfg) })
	}

	g.Go(func() error { return serveMetrics(ctx, cfg.HostPort) })

	return g.Wait()
}

// registrationLoop registers this host and keeps it fresh with stat-carrying
// pings. A 404 from the server triggers a re-register.
func registrationLoop(ctx context.Context, cfg *config.Config) error {
	logger := xglog.WithComponent("registration")
	client := registry.NewClient(cfg.ServerURL)
	cache := speedtest.NewCache()

	host := registry.Host{
		HostName: cfg.HostName,
		HostURL:  cfg.HostURL,
		HostPort: cfg.HostPort,
	}
	for _, dev := range cfg.Devices {
		host.Devices = append(host.Devices, registry.DeviceEntry{
			DeviceID:    dev.DeviceID,
			DeviceName:  dev.DeviceName,
			DeviceModel: dev.DeviceModel,
		})
	}

	register := func() {
		host.SystemStats = systemStats(ctx, cache)
		if err := client.Register(ctx, host); err != nil {
			logger.Warn().Err(err).Msg("registration failed")
		} else {
			logger.Info().Str(xglog.FieldEvent, "registration.registered").Msg("registered with server")
		}
	}
	register()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = client.Unregister(shutdownCtx, cfg.HostName)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			err := client.Ping(ctx, cfg.HostName, systemStats(ctx, cache))
			if errors.Is(err, registry.ErrNotRegistered) {
				register()
			} else if err != nil {
				logger.Warn().Err(err).Msg("ping failed")
			}
		}
	}
}

// systemStats samples the host for ping payloads; failures leave fields out.
func systemStats(ctx context.Context, cache *speedtest.Cache) json.RawMessage {
	stats := registry.CollectSystemStats(ctx)
	if res, ok := cache.Read(); ok {
		stats["download_mbps"] = res.DownloadMbps
		stats["upload_mbps"] = res.UploadMbps
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return nil
	}
	return data
}

// serveMetrics exposes /metrics and a liveness probe.
func serveMetrics(ctx context.Context, port int) error {
	if port == 0 {
		port = 9108
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
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
}
