package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adaptive-playback/internal/abr"
	"adaptive-playback/internal/drm"
	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/offline"
	"adaptive-playback/internal/platform/config"
	"adaptive-playback/internal/platform/logger"
	"adaptive-playback/internal/platform/metrics"
	"adaptive-playback/internal/player"
	"adaptive-playback/internal/sim"
	"adaptive-playback/internal/streaming"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	manifestURL := config.GetEnv("MANIFEST_URL", "")
	sessionDB := config.GetEnv("SESSION_DB", "sessions.db")
	clearKeyLicense := config.GetEnv("CLEARKEY_LICENSE_URL", "")
	clearKeys := config.GetEnvMap("CLEAR_KEYS")
	throughput := config.GetEnvFloat("SIM_THROUGHPUT", 5e6)

	abrCfg := abr.DefaultConfig()
	abrCfg.DefaultBandwidthEstimate = config.GetEnvFloat("DEFAULT_BANDWIDTH_ESTIMATE", abrCfg.DefaultBandwidthEstimate)
	abrCfg.SwitchInterval = config.GetEnvDuration("SWITCH_INTERVAL", abrCfg.SwitchInterval)

	streamCfg := streaming.DefaultConfig()
	streamCfg.BufferingGoal = config.GetEnvFloat("BUFFERING_GOAL", streamCfg.BufferingGoal)
	streamCfg.RebufferingGoal = config.GetEnvFloat("REBUFFERING_GOAL", streamCfg.RebufferingGoal)

	log := logger.New(logLevel, logFormat)

	if manifestURL == "" {
		log.Error("MANIFEST_URL is required")
		os.Exit(1)
	}

	source := manifest.NewHLSSource(manifestURL, manifest.HLSOptions{Logger: log.With("component", "manifest")})

	adaptation := abr.NewSimpleManager(abr.Options{Logger: log.With("component", "abr")})
	if err := adaptation.Configure(abrCfg); err != nil {
		log.Error("invalid abr config", "error", err)
		os.Exit(1)
	}

	cdm, err := drm.NewClearKeyCDM(clearKeys)
	if err != nil {
		log.Error("invalid clear keys", "error", err)
		os.Exit(1)
	}
	licenses := drm.NewEngine(drm.Options{CDM: cdm, Logger: log.With("component", "drm")})
	drmCfg := drm.Config{ClearKeys: clearKeys}
	if clearKeyLicense != "" {
		drmCfg.Servers = map[string]string{drm.ClearKeySystem: clearKeyLicense}
	}
	if err := licenses.Configure(drmCfg); err != nil {
		log.Error("invalid drm config", "error", err)
		os.Exit(1)
	}

	sessions, err := offline.OpenSQLStore(sessionDB)
	if err != nil {
		log.Error("open session store failed", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	pipeline := sim.NewPipeline(sim.PipelineOptions{
		Throughput: throughput,
		Logger:     log.With("component", "pipeline"),
	})
	playhead := sim.NewPlayhead(nil)
	met := metrics.New()

	p := player.New(player.Options{
		Source: source,
		ABR:    adaptation,
		DRM:    licenses,
		NewController: func(cb streaming.Callbacks) streaming.Controller {
			e := streaming.NewEngine(streaming.Options{
				Pipeline:  pipeline,
				Playhead:  playhead,
				Callbacks: cb,
				Logger:    log.With("component", "streaming"),
			})
			if err := e.Configure(streamCfg); err != nil {
				log.Error("invalid streaming config, using defaults", "error", err)
			}
			return e
		},
		Playhead: playhead,
		Sessions: sessions,
		Metrics:  met,
		Logger:   log.With("component", "player"),
	})

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), time.Minute)
	err = p.Load(loadCtx)
	cancelLoad()
	if err != nil {
		log.Error("load failed", "manifest", manifestURL, "error", err)
		_ = p.Teardown(context.Background())
		os.Exit(1)
	}
	playhead.Play()

	h := player.NewHandler(p, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetBandwidthEstimate(adaptation.BandwidthEstimate())
			met.SetKeySessions(len(licenses.SessionIDs()))
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("player starting",
		"port", port,
		"manifest", manifestURL,
		"log_level", logLevel,
		"sim_throughput", throughput,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := p.Teardown(ctx); err != nil {
		log.Error("teardown error", "error", err)
	}

	log.Info("player stopped")
}
