package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/basita512/Conversational-IVR/internal/api/ws"
	"github.com/basita512/Conversational-IVR/internal/app"
	"github.com/basita512/Conversational-IVR/internal/config"
	"github.com/basita512/Conversational-IVR/internal/events"
	"github.com/basita512/Conversational-IVR/internal/observability"
	"github.com/basita512/Conversational-IVR/internal/observability/metrics"
	"github.com/basita512/Conversational-IVR/internal/service/audio"
	"github.com/basita512/Conversational-IVR/internal/service/brain"
	"github.com/basita512/Conversational-IVR/internal/service/orchestrator"
	"github.com/basita512/Conversational-IVR/internal/service/playback"
	"github.com/basita512/Conversational-IVR/internal/service/routing"
	"github.com/basita512/Conversational-IVR/internal/service/session"
	"github.com/basita512/Conversational-IVR/internal/service/speechgate"
	"github.com/basita512/Conversational-IVR/internal/service/stt"
	"github.com/basita512/Conversational-IVR/internal/service/stt/google"
	"github.com/basita512/Conversational-IVR/internal/service/stt/mock"
	"github.com/basita512/Conversational-IVR/internal/service/stt/whisper"
	"github.com/basita512/Conversational-IVR/internal/service/telephony"
)

const (
	healthService   = "conversational.ivr.Orchestrator"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg := config.Load()
	application := app.New(cfg)

	if cfg.Routing.TargetsFile != "" {
		targets, err := config.LoadTargets(cfg.Routing.TargetsFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load routing targets")
		}
		cfg.Routing.Targets = targets
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Application start failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.DefaultMetrics

	publisher := events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicAction:     cfg.Kafka.TopicAction,
		TopicSession:    cfg.Kafka.TopicSession,
		Principal:       cfg.Kafka.Principal,
	})
	defer publisher.Close()

	transcriber, closers, err := buildTranscriber(ctx, cfg, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build transcriber")
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	store, err := playback.NewStore(cfg.Playback.SoundsDir, cfg.Playback.MaxFileAge)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare reply audio directory")
	}

	registry := session.NewRegistry()
	esl := telephony.NewESLClient(telephony.ESLConfig{
		Addr:     cfg.Telephony.ESLAddr,
		Password: cfg.Telephony.ESLPassword,
	})
	defer esl.Close()

	watcher := telephony.NewHangupWatcher(esl, esl, registry, telephony.WatcherConfig{
		MinBackoff:     cfg.Telephony.ReconnectMin,
		MaxBackoff:     cfg.Telephony.ReconnectMax,
		CommandTimeout: cfg.Telephony.CommandTimeout,
	}, m)

	format := audio.Format{SampleRate: cfg.Audio.SampleRateHz, SampleWidth: cfg.Audio.SampleWidth, Channels: 1}
	orch := orchestrator.New(orchestrator.Config{
		Format:          format,
		ChunkBytes:      cfg.Audio.ChunkBytes(),
		MetadataTimeout: cfg.Service.MetadataTimeout,
		STTTimeout:      cfg.STT.Timeout,
		CommandTimeout:  cfg.Telephony.CommandTimeout,
		PlaybackTimeout: cfg.Telephony.PlaybackTimeout,
		CheckExists:     cfg.Telephony.CheckExists,
	}, orchestrator.Deps{
		Registry: registry,
		STT:      transcriber,
		Gate:     speechgate.New(speechgate.Config{MinChars: cfg.Gate.MinChars, Fillers: cfg.Gate.FillerWords}),
		Brain:    brain.New(cfg.Brain.URL, cfg.Brain.Timeout, nil),
		Resolver: routing.NewResolver(cfg.Routing.Targets),
		Control:  esl,
		Playback: watcher,
		Store:    store,
		Events:   publisher,
		Metrics:  m,
	})

	wsServer := ws.NewServer(ws.Config{
		Addr:      cfg.Service.WSAddr,
		Path:      cfg.Service.WSPath,
		ReadLimit: cfg.Service.WSReadLimit,
	}, orch)

	obsServer := observability.NewServer(cfg.Service.HTTPAddr, func() (bool, map[string]any) {
		return watcher.Connected(), map[string]any{
			"eslConnected":   watcher.Connected(),
			"activeSessions": registry.Len(),
			"activeStreams":  wsServer.Active(),
			"stt":            transcriber.Name(),
			"uptime":         application.Uptime().String(),
		}
	})

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return store.Run(gctx, cfg.Playback.SweepInterval) })
	g.Go(func() error {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC admin server started")
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})

	wsServer.Start()
	obsServer.Start()

	<-gctx.Done()
	log.Info().Msg("Shutdown requested")

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Audio websocket server shutdown incomplete")
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Observability server shutdown failed")
	}
	grpcServer.GracefulStop()
	stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Service stopped with error")
	}
	application.Shutdown()
}

// buildTranscriber assembles the provider chain in configured order.
func buildTranscriber(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (stt.Transcriber, []io.Closer, error) {
	var (
		chain   []stt.Transcriber
		closers []io.Closer
	)
	for _, name := range cfg.STT.Providers {
		switch name {
		case "google":
			gc := google.DefaultConfig()
			gc.LanguageCode = cfg.STT.LanguageCode
			gc.SampleRateHz = cfg.Audio.SampleRateHz
			gc.AudioEncoding = cfg.STT.AudioEncoding
			gc.Model = cfg.STT.GoogleModel
			a, err := google.New(ctx, gc)
			if err != nil {
				return nil, closers, err
			}
			chain = append(chain, a)
			closers = append(closers, a)
		case "whisper":
			chain = append(chain, whisper.New(whisper.Config{
				BaseURL:  cfg.STT.WhisperURL,
				APIKey:   cfg.STT.WhisperAPIKey,
				Model:    cfg.STT.WhisperModel,
				Language: whisper.LanguageFromCode(cfg.STT.LanguageCode),
				Format: audio.Format{
					SampleRate:  cfg.Audio.SampleRateHz,
					SampleWidth: cfg.Audio.SampleWidth,
					Channels:    1,
				},
			}))
		case "mock":
			chain = append(chain, mock.New())
		default:
			return nil, closers, fmt.Errorf("unknown STT provider %q", name)
		}
	}
	if len(chain) == 0 {
		return nil, closers, errors.New("no STT providers configured")
	}

	observe := func(provider string, err error, elapsed time.Duration) {
		m.RecordSTT(provider, err, elapsed.Seconds())
	}
	return stt.NewFallback(observe, chain...), closers, nil
}
