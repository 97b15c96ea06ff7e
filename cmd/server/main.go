package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/completion"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/server"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
	"github.com/skypro1111/stream-transcriber/internal/transcription/whisper"
	"github.com/skypro1111/stream-transcriber/internal/vad"
	"github.com/skypro1111/stream-transcriber/internal/vad/silero"
)

const (
	defaultConfigPath = "configs/user_settings.json"
	serviceName       = "stream-transcriber"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 30 * time.Second
)

// closer is implemented by engines and scorers holding native resources
type closer interface {
	Close() error
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to settings document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary without secrets
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.App.SampleRate),
		slog.Int("frame_size", cfg.App.FrameSize),
		slog.Int("silence_limit", cfg.App.SilenceLimit),
		slog.Int("noise_threshold", cfg.App.NoiseThreshold),
		slog.Float64("non_speech_threshold", cfg.App.NonSpeechThreshold),
		slog.Bool("create_audio_file", cfg.App.CreateAudioFile),
		slog.Bool("use_websocket_server", cfg.App.UseWebsocketServer),
		slog.Bool("use_openai_api", cfg.App.UseOpenAIAPI),
		slog.String("model_engine", cfg.Model.Engine),
		slog.String("vad_engine", cfg.VAD.Engine),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	var resources []closer
	defer func() {
		for _, r := range resources {
			if err := r.Close(); err != nil {
				logger.Warn("Failed to release resource", slog.String("error", err.Error()))
			}
		}
	}()

	newDetector, scorer, err := buildDetectorFactory(cfg)
	if err != nil {
		logger.Error("Failed to initialize speech scorer",
			slog.String("stage", "vad"),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	if scorer != nil {
		resources = append(resources, scorer)
	}

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize transcription engine",
			slog.String("stage", "engine"),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	if c, ok := engine.(closer); ok {
		resources = append(resources, c)
	}
	logger.Info("Transcription engine initialized", slog.String("engine", cfg.Model.Engine))

	deps := stream.Dependencies{
		NewDetector: newDetector,
		Engine:      engine,
		Output:      os.Stdout,
		Metrics:     appMetrics,
		Logger:      logger,
	}

	var wsServer *server.WebSocketServer
	if cfg.App.UseWebsocketServer {
		wsServer = server.NewWebSocketServer(&cfg.Server, logger, appMetrics)
		deps.Transport = wsServer
	}

	if cfg.App.CreateAudioFile {
		exporter, err := audio.NewFileExporter(cfg.App.AudioDir, cfg.App.SampleRate)
		if err != nil {
			logger.Error("Failed to initialize audio exporter",
				slog.String("stage", "export"),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		deps.Exporter = exporter
	}

	var forwarder *completion.Forwarder
	if cfg.App.UseOpenAIAPI {
		forwarder, err = completion.NewForwarder(completion.Config{
			APIKey:       cfg.Completion.APIKey,
			BaseURL:      cfg.Completion.BaseURL,
			Model:        cfg.Completion.Model,
			SystemPrompt: cfg.Completion.SystemPrompt,
			Timeout:      cfg.Completion.GetTimeoutDuration(),
			QueueSize:    cfg.Completion.QueueSize,
		}, appMetrics, logger, completion.WithOutput(os.Stdout))
		if err != nil {
			logger.Error("Failed to initialize text completion",
				slog.String("stage", "completion"),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		deps.Sinks = append(deps.Sinks, forwarder)
	}

	controller, err := stream.NewController(stream.ControllerConfig{
		Options:       cfg.AppOptions(),
		Transcription: transcriptionOptions(cfg.Transcribe),
	}, deps)
	if err != nil {
		logger.Error("Failed to create session controller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := controller.Start(ctx); err != nil {
		logger.Error("Failed to start session", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		sources := server.Sources{
			Session:  controller,
			Gatherer: registry,
		}
		if wsServer != nil {
			sources.Transport = wsServer
		}
		if client, ok := engine.(*transcription.Client); ok {
			sources.Engine = client
		}

		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}, logger, cfg, sources, appMetrics)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			controller.Stop(context.Background())
			os.Exit(1)
		}
	}

	logger.Info("Service started successfully, waiting for audio...")

	// The forwarder outlives the session so final-pass results still reach
	// the completion endpoint. It is closed and drained after the session stops.
	forwarderDone := make(chan struct{})
	forwarderCtx, cancelForwarder := context.WithCancel(context.Background())
	defer cancelForwarder()
	go func() {
		defer close(forwarderDone)
		if forwarder != nil {
			forwarder.Run(forwarderCtx)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// Run returns once the session stopped on end of stream or the process
	// is signalled; either way the remaining goroutines are released.
	g.Go(func() error {
		defer stop()
		return controller.Run(gctx)
	})

	if cfg.App.InputFile != "" {
		source, err := audio.OpenFileSource(cfg.App.InputFile, inputFrameSize(cfg), cfg.App.SampleRate, true)
		if err != nil {
			logger.Error("Failed to open input file", slog.String("error", err.Error()))
			controller.Stop(context.Background())
			os.Exit(1)
		}
		logger.Info("Replaying input file",
			slog.String("path", cfg.App.InputFile),
			slog.Int("frames", source.Frames()))

		g.Go(func() error {
			err := source.Run(gctx, func(frame audio.Frame) error {
				if err := controller.ProcessAudio(frame); errors.Is(err, stream.ErrNotRunning) {
					return err
				}
				return nil
			})
			switch {
			case err == nil:
				controller.EndOfStream()
				return nil
			case errors.Is(err, stream.ErrNotRunning), errors.Is(err, context.Canceled):
				return nil
			default:
				return err
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Session failed", slog.String("error", err.Error()))
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := controller.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping session", slog.String("error", err.Error()))
	}

	// Final-pass results are queued by now; let the forwarder drain them
	if forwarder != nil {
		forwarder.Close()
		select {
		case <-forwarderDone:
		case <-shutdownCtx.Done():
			logger.Warn("Completion queue not drained before shutdown timeout",
				slog.String("stage", "completion"),
				slog.Int("queued", forwarder.GetStats().Queued))
		}
	}
	cancelForwarder()
	<-forwarderDone

	stats := controller.Stats()
	logger.Info("Final session statistics",
		slog.Uint64("sessions_started", stats.SessionsStarted),
		slog.Uint64("frames_rejected", stats.FramesRejected),
		slog.Uint64("final_passes", stats.FinalPasses),
		slog.Uint64("jobs_enqueued", stats.Segmenter.JobsEnqueued),
		slog.Uint64("jobs_processed", stats.Worker.JobsProcessed),
		slog.Uint64("jobs_failed", stats.Worker.JobsFailed),
	)
	if forwarder != nil {
		fs := forwarder.GetStats()
		logger.Info("Final completion statistics",
			slog.Uint64("forwarded", fs.Forwarded),
			slog.Uint64("failed", fs.Failed),
			slog.Uint64("dropped", fs.Dropped))
	}

	logger.Info("Service stopped")
}

// buildDetectorFactory returns a factory producing one detector per session.
// The scorer is shared; it carries no state between calls.
func buildDetectorFactory(cfg *config.Config) (stream.DetectorFactory, closer, error) {
	var scorer vad.Scorer
	var res closer

	switch cfg.VAD.Engine {
	case "silero":
		s, err := silero.New(cfg.VAD.ModelPath, cfg.VAD.OnnxRuntimeLibrary)
		if err != nil {
			return nil, nil, err
		}
		scorer, res = s, s
	case "energy":
		s, err := vad.NewEnergyScorer(vad.DefaultReferenceRMS, vad.DefaultSmoothing)
		if err != nil {
			return nil, nil, err
		}
		scorer = s
	default:
		return nil, nil, fmt.Errorf("unknown vad engine %q", cfg.VAD.Engine)
	}

	factory := func() (audio.SpeechDetector, error) {
		detector, err := vad.NewDetector(scorer, cfg.App.NonSpeechThreshold, cfg.App.FrameSize, cfg.App.SampleRate)
		if err != nil {
			return nil, err
		}
		return detector, nil
	}
	return factory, res, nil
}

// buildEngine creates the configured transcription engine
func buildEngine(cfg *config.Config, logger *slog.Logger) (transcription.Engine, error) {
	switch cfg.Model.Engine {
	case "whisper":
		return whisper.New(cfg.Model.ModelPath,
			whisper.WithThreads(cfg.Model.CPUThreads),
			whisper.WithLogger(logger))
	case "http":
		return transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Model.Endpoint,
			APIKey:        cfg.Model.APIKey,
			Model:         cfg.Model.ModelPath,
			SampleRate:    cfg.App.SampleRate,
			Timeout:       cfg.Model.GetTimeoutDuration(),
			MaxRetries:    cfg.Model.MaxRetries,
			MaxConcurrent: cfg.Model.MaxConcurrent,
		})
	default:
		return nil, fmt.Errorf("unknown model engine %q", cfg.Model.Engine)
	}
}

// transcriptionOptions maps transcribe_settings onto engine options
func transcriptionOptions(t config.TranscribeSettings) transcription.Options {
	return transcription.Options{
		Language:          t.Language,
		Translate:         t.Task == "translate",
		BeamSize:          t.BeamSize,
		Temperature:       t.Temperature,
		InitialPrompt:     t.InitialPrompt,
		WithoutTimestamps: t.WithoutTimestamps,
		WordTimestamps:    t.WordTimestamps,
	}
}

// inputFrameSize falls back to 1024 samples when frames may be any length
func inputFrameSize(cfg *config.Config) int {
	if cfg.App.FrameSize > 0 {
		return cfg.App.FrameSize
	}
	return 1024
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
