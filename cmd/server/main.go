package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/lexiqai/gpplus-voice/internal/chat"
	"github.com/lexiqai/gpplus-voice/internal/config"
	"github.com/lexiqai/gpplus-voice/internal/observability"
	"github.com/lexiqai/gpplus-voice/internal/resilience"
	"github.com/lexiqai/gpplus-voice/internal/responder"
	"github.com/lexiqai/gpplus-voice/internal/speech/deepgram"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("speech_provider", cfg.SpeechProvider).
		Str("responder_mode", cfg.ResponderMode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice chat service starting")

	// Sessions are tied to this context and end on shutdown
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	speechBreaker := newBreaker("deepgram", cfg, logger).
		OnFailure(observability.IncrementCircuitBreakerFailures)

	reply, remote := newResponder(ctx, cfg, logger)
	if remote != nil {
		defer remote.Close()
	}

	// Optionally expose the rule table to other services over gRPC
	var grpcServer *grpc.Server
	if cfg.ResponderGRPCPort != "" {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.ResponderGRPCPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.ResponderGRPCPort).Msg("Failed to listen for gRPC")
		}
		grpcServer = responder.NewServer(responder.Rules{}, logger)
		go func() {
			logger.Info().Str("port", cfg.ResponderGRPCPort).Msg("Responder gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("Responder gRPC server stopped")
			}
		}()
	}

	// Create HTTP server
	mux := http.NewServeMux()

	mux.Handle("/ws/chat", chat.NewHandler(ctx, cfg, reply, speechBreaker, logger))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	checks := map[string]observability.HealthCheckFunc{
		"speech":    speechCheck(cfg, speechBreaker, logger),
		"responder": responderCheck(remote),
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections are hijacked, so the write timeout only
	// applies to plain HTTP responses
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/chat", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newBreaker(name string, cfg *config.Config, logger zerolog.Logger) *resilience.CircuitBreaker {
	breaker := resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)

	return breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().
			Str("service", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
}

// newResponder returns the responder used by chat sessions, and the remote
// client when one is configured
func newResponder(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (responder.Responder, *responder.Remote) {
	if cfg.ResponderMode != config.ResponderModeRemote {
		return responder.Rules{}, nil
	}

	remote := responder.NewRemote(responder.RemoteConfig{
		Target:  cfg.ResponderURL,
		Timeout: time.Duration(cfg.ResponderTimeout) * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}, newBreaker("responder", cfg, logger), responder.Rules{}, logger)

	// Replies fall back to the local rules until the remote is reachable
	go func() {
		if err := remote.Connect(ctx); err != nil {
			logger.Warn().Err(err).Str("target", cfg.ResponderURL).Msg("Remote responder unavailable, using local rules")
		}
	}()

	return remote, remote
}

func speechCheck(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) observability.HealthCheckFunc {
	if cfg.SpeechProvider != config.SpeechProviderDeepgram {
		// Recognition runs in the client
		return func(ctx context.Context) (bool, error) {
			return true, nil
		}
	}

	provider := deepgram.New(deepgram.Config{
		APIKey:   cfg.DeepgramAPIKey,
		Model:    cfg.DeepgramModel,
		Language: cfg.DeepgramLanguage,
	}, breaker, logger)
	return provider.Healthy
}

func responderCheck(remote *responder.Remote) observability.HealthCheckFunc {
	if remote == nil {
		return func(ctx context.Context) (bool, error) {
			return true, nil
		}
	}
	return remote.Healthy
}
