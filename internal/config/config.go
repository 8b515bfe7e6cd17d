package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Speech provider identifiers accepted by SPEECH_PROVIDER.
const (
	SpeechProviderDeepgram = "deepgram"
	SpeechProviderRelay    = "relay"
)

// Responder modes accepted by RESPONDER_MODE.
const (
	ResponderModeRules  = "rules"
	ResponderModeRemote = "remote"
)

// Config holds all configuration for the voice chat service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Speech recognition: "relay" runs recognition on the client and relays its events,
	// "deepgram" streams client audio to Deepgram.
	SpeechProvider string `envconfig:"SPEECH_PROVIDER" default:"relay"`

	// Deepgram STT API configuration (required when SPEECH_PROVIDER=deepgram)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-GB"`

	// Audio sent by the client as binary frames
	AudioSampleRate int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioEncoding   string `envconfig:"AUDIO_ENCODING" default:"linear16"` // linear16 or mulaw
	AudioBufferSize int    `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"` // Ring buffer size in bytes

	// How long a stopped recognition session may take to deliver its final result
	StopGraceMs int `envconfig:"STOP_GRACE_MS" default:"2000"`

	// Conversation behaviour
	ReplyDelayMs    int    `envconfig:"REPLY_DELAY_MS" default:"700"`
	RearmAfterReply bool   `envconfig:"REARM_AFTER_REPLY" default:"false"`
	Greeting        string `envconfig:"GREETING" default:""`
	SeedDemo        bool   `envconfig:"SEED_DEMO" default:"false"`

	// Reply generation: local rule table or a remote gRPC responder
	ResponderMode     string `envconfig:"RESPONDER_MODE" default:"rules"`
	ResponderURL      string `envconfig:"RESPONDER_URL" default:"localhost:50051"`
	ResponderTimeout  int    `envconfig:"RESPONDER_TIMEOUT" default:"5"`  // seconds
	ResponderGRPCPort string `envconfig:"RESPONDER_GRPC_PORT" default:""` // serve the rule table over gRPC when set

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field requirements that struct tags cannot express
func (c *Config) Validate() error {
	c.SpeechProvider = strings.ToLower(strings.TrimSpace(c.SpeechProvider))
	switch c.SpeechProvider {
	case SpeechProviderRelay:
	case SpeechProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when SPEECH_PROVIDER=%s", SpeechProviderDeepgram)
		}
	default:
		return fmt.Errorf("unsupported SPEECH_PROVIDER %q", c.SpeechProvider)
	}

	c.ResponderMode = strings.ToLower(strings.TrimSpace(c.ResponderMode))
	switch c.ResponderMode {
	case ResponderModeRules:
	case ResponderModeRemote:
		if c.ResponderURL == "" {
			return fmt.Errorf("RESPONDER_URL is required when RESPONDER_MODE=%s", ResponderModeRemote)
		}
	default:
		return fmt.Errorf("unsupported RESPONDER_MODE %q", c.ResponderMode)
	}

	switch c.AudioEncoding {
	case "linear16", "mulaw":
	default:
		return fmt.Errorf("unsupported AUDIO_ENCODING %q", c.AudioEncoding)
	}

	if c.ReplyDelayMs < 0 {
		c.ReplyDelayMs = 0
	}
	if c.AudioBufferSize < 1024 {
		c.AudioBufferSize = 65536
	}

	return nil
}

// ReplyDelay is the artificial latency before an assistant reply is posted
func (c *Config) ReplyDelay() time.Duration {
	return time.Duration(c.ReplyDelayMs) * time.Millisecond
}

// StopGrace bounds the wait for a final result after a graceful stop
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}
