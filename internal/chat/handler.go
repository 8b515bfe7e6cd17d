package chat

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/config"
	"github.com/lexiqai/gpplus-voice/internal/resilience"
	"github.com/lexiqai/gpplus-voice/internal/responder"
)

// correlationHeader lets a caller tie session logs to its own request
const correlationHeader = "X-Correlation-ID"

var upgrader = websocket.Upgrader{
	// The chat page may be served from another origin during development
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler upgrades /ws/chat requests and runs one Session per connection
type Handler struct {
	ctx           context.Context
	cfg           *config.Config
	responder     responder.Responder
	speechBreaker *resilience.CircuitBreaker
	logger        zerolog.Logger
}

// NewHandler creates the chat endpoint. Sessions end when ctx is done.
func NewHandler(ctx context.Context, cfg *config.Config, r responder.Responder, speechBreaker *resilience.CircuitBreaker, logger zerolog.Logger) *Handler {
	if r == nil {
		r = responder.Rules{}
	}
	return &Handler{
		ctx:           ctx,
		cfg:           cfg,
		responder:     r,
		speechBreaker: speechBreaker,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	session := NewSession(h.ctx, conn, h.cfg, h.responder, h.speechBreaker, r.Header.Get(correlationHeader))
	session.Run()
}
