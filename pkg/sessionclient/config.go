package sessionclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultBufferWindow      = 5 * time.Minute
	defaultProactiveInterval = 60 * time.Second
	defaultHeartbeatInterval = 5 * time.Minute
	defaultRequestTimeout    = 15 * time.Second
)

// Config wires a Manager. Only BaseURL is required.
type Config struct {
	// BaseURL is the API root that gateway calls are resolved against.
	BaseURL string
	// AuthAPI performs the token exchanges. Defaults to an HTTPAuthAPI over BaseURL.
	AuthAPI    AuthAPI
	HTTPClient *http.Client
	// Store persists the session. Defaults to an in-memory store.
	Store   KeyValueStore
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder

	// BufferWindow is how long before expiry a token counts as due for renewal.
	BufferWindow      time.Duration
	ProactiveInterval time.Duration
	HeartbeatInterval time.Duration
	// RequestTimeout bounds every network exchange.
	RequestTimeout time.Duration
}

func (config Config) withDefaults() (Config, error) {
	config.BaseURL = strings.TrimSpace(config.BaseURL)
	if config.BaseURL == "" {
		return Config{}, ErrMissingBaseURL
	}
	durations := map[string]time.Duration{
		"buffer_window":      config.BufferWindow,
		"proactive_interval": config.ProactiveInterval,
		"heartbeat_interval": config.HeartbeatInterval,
		"request_timeout":    config.RequestTimeout,
	}
	for name, value := range durations {
		if value < 0 {
			return Config{}, fmt.Errorf("%w: %s=%s", ErrInvalidInterval, name, value)
		}
	}
	if config.BufferWindow == 0 {
		config.BufferWindow = defaultBufferWindow
	}
	if config.ProactiveInterval == 0 {
		config.ProactiveInterval = defaultProactiveInterval
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Store == nil {
		config.Store = NewMemoryKeyValueStore()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = NewCounterMetrics()
	}
	if config.AuthAPI == nil {
		api, apiErr := NewHTTPAuthAPI(config.BaseURL, config.HTTPClient)
		if apiErr != nil {
			return Config{}, apiErr
		}
		config.AuthAPI = api
	}
	return config, nil
}
