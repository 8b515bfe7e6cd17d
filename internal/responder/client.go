package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lexiqai/gpplus-voice/internal/observability"
	"github.com/lexiqai/gpplus-voice/internal/resilience"
)

// ErrNotServing is returned when the remote health check does not report SERVING
var ErrNotServing = errors.New("responder is not serving")

// RemoteConfig configures the gRPC responder client
type RemoteConfig struct {
	Target      string
	Timeout     time.Duration
	Retry       *resilience.RetryConfig
	Reconnect   *resilience.ReconnectConfig
	DialOptions []grpc.DialOption
}

// Remote asks a remote Responder service for replies and falls back to a
// local Responder whenever the remote call fails
type Remote struct {
	cfg      RemoteConfig
	breaker  *resilience.CircuitBreaker
	fallback Responder
	logger   zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// NewRemote creates a remote responder. No connection is made until Connect
// or the first Reply.
func NewRemote(cfg RemoteConfig, breaker *resilience.CircuitBreaker, fallback Responder, logger zerolog.Logger) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = resilience.DefaultReconnectConfig()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("responder", 5, 30*time.Second)
	}
	if fallback == nil {
		fallback = Rules{}
	}
	return &Remote{
		cfg:      cfg,
		breaker:  breaker,
		fallback: fallback,
		logger:   logger.With().Str("component", "responder").Str("target", cfg.Target).Logger(),
	}
}

// Connect dials the remote service and waits until its health check reports
// SERVING, retrying with backoff
func (r *Remote) Connect(ctx context.Context) error {
	return resilience.Reconnect(ctx, r.logger, r.connect, r.cfg.Reconnect)
}

func (r *Remote) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		opts := []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			// Keepalive settings for long-lived connections
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             3 * time.Second,
				PermitWithoutStream: true,
			}),
		}
		opts = append(opts, r.cfg.DialOptions...)

		conn, err := grpc.DialContext(ctx, r.cfg.Target, opts...)
		if err != nil {
			return fmt.Errorf("failed to dial responder at %s: %w", r.cfg.Target, err)
		}
		r.conn = conn
	}

	ok, err := check(ctx, r.conn, r.cfg.Timeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotServing
	}

	r.logger.Info().Msg("Connected to responder")
	return nil
}

func (r *Remote) client() *grpc.ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// Reply implements Responder. Remote failures are logged and answered by the
// fallback; only cancellation of ctx is returned as an error.
func (r *Remote) Reply(ctx context.Context, utterance string) (string, error) {
	var reply string

	err := r.breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			conn := r.client()
			if conn == nil {
				if err := r.connect(ctx); err != nil {
					return fmt.Errorf("failed to reconnect: %w", err)
				}
				conn = r.client()
			}

			callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()

			out := new(wrapperspb.StringValue)
			if err := conn.Invoke(callCtx, replyMethod, wrapperspb.String(utterance), out); err != nil {
				return err
			}
			reply = out.GetValue()
			return nil
		}, r.cfg.Retry, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState(r.breaker.Name(), int(r.breaker.GetState()))
	observability.RecordResponderRequest("remote", err == nil)

	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		observability.IncrementCircuitBreakerFailures(r.breaker.Name())
	}

	r.logger.Warn().Err(err).Msg("Remote reply failed, using fallback")
	return r.fallback.Reply(ctx, utterance)
}

// Healthy reports whether the remote service is SERVING
func (r *Remote) Healthy(ctx context.Context) (bool, error) {
	conn := r.client()
	if conn == nil {
		return false, fmt.Errorf("responder client is not connected")
	}
	return check(ctx, conn, r.cfg.Timeout)
}

// Close closes the gRPC connection
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

func check(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
