package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tubecast/internal/bus"
	"tubecast/internal/cleaner"
	"tubecast/internal/config"
	"tubecast/internal/endpoints"
	"tubecast/internal/feed"
	"tubecast/internal/feedcache"
	"tubecast/internal/fetcher"
	"tubecast/internal/gate"
	"tubecast/internal/logging"
	"tubecast/internal/metrics"
	"tubecast/internal/pipeline"
	"tubecast/internal/queue"
	"tubecast/internal/refresher"
	"tubecast/internal/server"
	"tubecast/internal/store"
	"tubecast/internal/transcoder"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogConsole, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	for _, dir := range []string{cfg.DownloadDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// Shared infrastructure
	q := queue.New(st.DB())
	g := gate.New(cfg.MaxConcurrentDownloads)
	defer g.Dispose()
	b := bus.New()
	defer b.Close()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// External tool adapters
	dl := fetcher.New(fetcher.Options{
		BinPath:          cfg.YtDlpPath,
		EnumerateTimeout: config.ProbeTimeout,
		ProbeTimeout:     config.ProbeTimeout,
		FetchTimeout:     config.FetchTimeout,
		SpawnsPerSecond:  1,
	})
	tc := transcoder.New(transcoder.Options{
		FFmpegPath:       cfg.FFmpegPath,
		FFprobePath:      cfg.FFprobePath,
		AudioFormat:      cfg.AudioFormat,
		AudioBitrate:     cfg.AudioBitrate,
		AudioSampleRate:  cfg.AudioSampleRate,
		VideoFormat:      cfg.VideoFormat,
		VideoCodec:       cfg.VideoCodec,
		VideoQuality:     cfg.VideoQuality,
		TranscodeTimeout: config.TranscodeTimeout,
		ProbeTimeout:     config.ProbeTimeout,
	})

	pipe := pipeline.New(st, dl, tc, b, m, pipeline.Options{
		DownloadDir: cfg.DownloadDir,
		TempDir:     cfg.TempDir,
	})

	cache := feedcache.New(cfg.FeedCacheTTL)
	gen := feed.New(st, cfg.BaseURL, cfg.FeedPath)

	srv := server.NewServer(cfg.ListenAddr, endpoints.Deps{
		Channels:            st,
		Feeds:               gen,
		Cache:               cache,
		Queue:               q,
		Metrics:             m,
		Registry:            registry,
		DownloadDir:         cfg.DownloadDir,
		FeedPath:            cfg.FeedPath,
		DefaultEpisodeCount: config.DefaultEpisodeCount,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, ctx := errgroup.WithContext(ctx)

	// Entries left in_progress by an interrupted run go back to pending
	// before the workers start claiming.
	if _, err := q.RecoverInProgress(ctx); err != nil {
		return err
	}

	// Download workers
	for i := 0; i < cfg.MaxConcurrentDownloads; i++ {
		w := pipeline.NewWorker(i+1, q, pipe, g, 0)
		grp.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	// Channel refresh loop
	ref := refresher.New(st, dl, q, cfg.RefreshInterval)
	ref.Start(ctx)
	defer ref.Stop()

	// Retention loop
	cl := cleaner.New(st, b, cfg.DownloadDir)
	grp.Go(func() error {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := cl.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Error("Cleanup run failed", "error", err)
				}
			}
		}
	})

	// Event subscriber: completed and pruned items invalidate the channel's
	// cached feeds
	events := b.Subscribe(64)
	grp.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				switch ev.Type {
				case bus.ItemCompleted, bus.ItemsPruned:
					cache.InvalidateChannel(ev.ChannelID)
				}
			}
		}
	})

	// Queue depth gauge
	grp.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pending, inProgress, retrying, err := q.Depth(ctx)
				if err != nil {
					if ctx.Err() == nil {
						slog.Error("Failed to read queue depth", "error", err)
					}
					continue
				}
				m.SetQueueDepth(pending, inProgress, retrying)
			}
		}
	})

	// HTTP server
	grp.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("Tubecast started",
		"listen_addr", cfg.ListenAddr,
		"workers", cfg.MaxConcurrentDownloads,
		"refresh_interval", cfg.RefreshInterval)

	if err := grp.Wait(); err != nil {
		return err
	}
	slog.Info("Tubecast exited gracefully")
	return nil
}
