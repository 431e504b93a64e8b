package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bobarin/dealreel/internal/api"
	"github.com/bobarin/dealreel/internal/config"
	"github.com/bobarin/dealreel/internal/db"
	"github.com/bobarin/dealreel/internal/events"
	"github.com/bobarin/dealreel/internal/history"
	"github.com/bobarin/dealreel/internal/metrics"
	"github.com/bobarin/dealreel/internal/progress"
	"github.com/bobarin/dealreel/internal/services"
	"github.com/bobarin/dealreel/internal/storage"
	"github.com/bobarin/dealreel/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.ReplaceGlobals(initLog(zap.NewAtomicLevelAt(zapcore.InfoLevel), "json"))
		zap.S().Fatalf("Failed to load config: %v", err)
	}

	logLvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		logLvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	encoding := "json"
	if cfg.AppEnv == "development" {
		encoding = "console"
	}
	logger := initLog(logLvl, encoding)
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	log := zap.S().Named("main")
	log.Info("Starting DealReel API...")

	// Render pipeline
	avatar, err := services.NewDIDService(cfg.DIDAPIKey, services.DIDOptions{
		BaseURL:      cfg.DIDBaseURL,
		PresenterURL: cfg.DIDPresenterURL,
		VoiceID:      cfg.DIDVoiceID,
		PollInterval: cfg.DIDPollInterval,
		MaxPolls:     cfg.DIDMaxPolls,
		OnError: func(err error) {
			zap.S().Named("did").Warnw("D-ID request failed", "error", err)
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize D-ID client: %v", err)
	}

	composer, err := services.NewFFmpegService(cfg.RenderOutputDir, cfg.FFmpegPath, cfg.FFprobePath)
	if err != nil {
		log.Fatalf("Failed to initialize renderer: %v", err)
	}

	queue := worker.NewRenderQueue(services.NewVideoGenerator(avatar, composer))
	tracker := progress.NewTracker()
	aggregator := metrics.NewAggregator()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	hub := events.NewHub(api.ParseOrigins(cfg.CorsAllowedOrigins))

	workerDeps := worker.Deps{Hub: hub, Collector: collector}
	apiDeps := api.Deps{
		Queue:      queue,
		Tracker:    tracker,
		Aggregator: aggregator,
		Hub:        hub,
		OutputDir:  cfg.RenderOutputDir,
	}

	// Optional persistence
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		workerDeps.Store = database
		apiDeps.Records = database
		log.Info("Connected to database")
	} else {
		log.Warn("DATABASE_URL not set, render jobs are not persisted")
	}

	if cfg.RedisURL != "" {
		hist, err := history.New(cfg.RedisURL, cfg.MetricsHistoryLimit, cfg.MetricsHistoryTTL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer hist.Close()
		workerDeps.History = hist
		apiDeps.History = hist
		log.Info("Connected to Redis metrics history")
	}

	if cfg.StorageEnabled() {
		workerDeps.Uploader = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
		log.Infof("Uploading renders to Supabase bucket %s", cfg.SupabaseStorageBucket)
	} else {
		log.Warn("Supabase not configured, renders stay in " + cfg.RenderOutputDir)
	}

	// Script generation, OpenAI first
	var writers []services.ScriptWriter
	if cfg.OpenAIKey != "" {
		writers = append(writers, services.NewOpenAIScriptWriter(cfg.OpenAIKey, cfg.OpenAIModel))
	}
	if cfg.GeminiKey != "" {
		writers = append(writers, services.NewGeminiScriptWriter(cfg.GeminiKey, cfg.GeminiModel))
	}
	if len(writers) > 0 {
		scripts := services.NewFallbackScriptWriter(writers...)
		apiDeps.Scripts = scripts
		log.Infof("Script providers: %s", scripts.Name())
	}

	w := worker.New(queue, tracker, aggregator, workerDeps)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		w.Run(workerCtx)
		close(workerDone)
	}()

	router := api.NewRouter(api.NewHandler(apiDeps), api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	if cfg.BackendAPIKey != "" {
		log.Info("API key authentication enabled")
	} else {
		log.Warn("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	// Queued jobs are abandoned; the in-flight one is cancelled.
	if err := queue.Shutdown(ctx); err != nil {
		log.Errorf("Render queue did not stop in time: %v", err)
	}

	workerCancel()
	<-workerDone
	hubCancel()

	log.Info("Server exited")
}

func initLog(lvl zap.AtomicLevel, encoding string) *zap.Logger {
	loggerCfg := &zap.Config{
		Level:    lvl,
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerCfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}
	return logger
}
