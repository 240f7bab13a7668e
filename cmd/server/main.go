package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/crc32"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gayhub/tablo2hdhr/internal/config"
	"github.com/gayhub/tablo2hdhr/internal/db"
	"github.com/gayhub/tablo2hdhr/internal/epg"
	"github.com/gayhub/tablo2hdhr/internal/guide"
	"github.com/gayhub/tablo2hdhr/internal/lineup"
	"github.com/gayhub/tablo2hdhr/internal/logging"
	"github.com/gayhub/tablo2hdhr/internal/metrics"
	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/prompt"
	"github.com/gayhub/tablo2hdhr/internal/provider/lighthouse"
	"github.com/gayhub/tablo2hdhr/internal/secure"
	"github.com/gayhub/tablo2hdhr/internal/server"
	"github.com/gayhub/tablo2hdhr/internal/session"
	"github.com/gayhub/tablo2hdhr/internal/store"
	"github.com/gayhub/tablo2hdhr/internal/tuner"
)

const secretKey = "secret.key"

func main() {
	reset := flag.Bool("reset", false, "forget the stored session and sign in again")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(registry)

	files, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open data dir")
	}
	secret, err := loadSecret(cfg, files)
	if err != nil {
		logger.Fatal().Err(err).Msg("load app secret")
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer func() {
		_ = database.Close()
	}()
	repo := db.NewRepository(database)
	if err := repo.MarkInterrupted(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("mark interrupted ledger rows")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cloud := lighthouse.New(cfg.Tablo.LighthouseURL, cfg.Tablo.UserAgent)
	sessions := session.NewManager(files, secret, cloud, prompt.New(os.Stdin, os.Stdout), session.Options{
		Email:       cfg.Tablo.Email,
		Password:    cfg.Tablo.Password,
		Profile:     cfg.Tablo.Profile,
		AutoProfile: cfg.Tablo.AutoProfile,
		Device:      cfg.Tablo.Device,
		SigningKey:  cfg.Tablo.SigningKey,
		UserAgent:   cfg.Tablo.UserAgent,
	}, logger)
	if *reset {
		if err := sessions.Reset(); err != nil {
			logger.Fatal().Err(err).Msg("reset session")
		}
		logger.Info().Msg("stored session removed")
	}

	sess, err := sessions.Ensure(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrCorruptSession):
		logger.Fatal().Err(err).Msg("stored session was unreadable and has been deleted, rerun to sign in again")
	case errors.Is(err, session.ErrDeviceUnreachable), errors.Is(err, session.ErrNoSelection):
		logger.Fatal().Err(err).Msg("cannot use the selected device")
	default:
		logger.Fatal().Err(err).Msg("establish session")
	}

	baseURL := cfg.PublicURL()
	channels := lineup.NewRegistry(baseURL, cfg.Guide.IncludeInternet)
	loader := lineup.NewLoader(cloud, sessions.CloudAuth, files, channels, logger)
	if err := loader.Refresh(ctx); err != nil {
		logger.Fatal().Err(err).Msg("load channel lineup")
	}

	slots := tuner.NewSlots(sess.Tuners)
	proxy := tuner.NewProxy(
		channels,
		sessions,
		func() string {
			current, _ := sessions.Session()
			return current.DeviceIdentity
		},
		tuner.NewFFmpeg(cfg.Tuner.FFmpegPath, cfg.Tuner.FFmpegLogLevel, logger),
		slots,
		repo,
		logger,
	)

	events := server.NewEventBus()
	compiler := epg.NewCompiler(cfg.Guide.IncludeInternet, cfg.Guide.ExtraFile, logger)
	syncer := guide.NewSyncer(cloud, sessions.CloudAuth, loader, channels, files, compiler, repo, events,
		guide.Options{Days: cfg.Guide.Days}, logger)

	scheduler, err := guide.NewScheduler(cfg.Guide.Schedule, syncer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure guide schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Guide.ExtraFile != "" {
		watcher, err := guide.NewWatcher(cfg.Guide.ExtraFile, syncer.Compile, logger)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Guide.ExtraFile).Msg("extra guide file will not be watched")
		} else {
			defer watcher.Close()
		}
	}

	srv := server.New(server.Options{
		DeviceName: cfg.Tuner.DeviceName,
		DeviceID:   deviceID(cfg, sess),
		BaseURL:    baseURL,
		GuidePath:  cfg.GuidePath(),
	}, server.Deps{
		Lineup:   channels,
		Tuner:    proxy,
		Guide:    scheduler,
		Ledger:   repo,
		Events:   events,
		Gatherer: registry,
	}, logger)

	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srv.Routes(),
		ReadTimeout: 10 * time.Second,
		// Streams run until the client disconnects.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("base_url", baseURL).
			Int("tuners", sess.Tuners).
			Int("channels", channels.Len()).
			Msg("tablo2hdhr listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
}

// loadSecret returns APP_SECRET, or a key generated once and kept in the data dir.
func loadSecret(cfg config.Config, files *store.FileStore) (string, error) {
	if cfg.AppSecret != "" {
		return cfg.AppSecret, nil
	}
	raw, err := files.Read(secretKey)
	if err == nil {
		if s := strings.TrimSpace(string(raw)); s != "" {
			return s, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	secret, err := secure.NewSecret()
	if err != nil {
		return "", err
	}
	if err := files.Write(secretKey, []byte(secret+"\n")); err != nil {
		return "", err
	}
	return secret, nil
}

// deviceID is stable per Tablo device so clients keep their channel mappings.
func deviceID(cfg config.Config, sess model.Session) string {
	if cfg.Tuner.DeviceID != "" {
		return cfg.Tuner.DeviceID
	}
	return fmt.Sprintf("%08X", crc32.ChecksumIEEE([]byte(sess.Device.ServerID)))
}
