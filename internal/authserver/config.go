package authserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrInvalidServerConfig indicates that ServerConfig failed validation.
var ErrInvalidServerConfig = errors.New("auth_server.invalid_config")

// ServerConfig configures token signing and lifetimes.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Validate reports the first invalid field.
func (configuration ServerConfig) Validate() error {
	switch {
	case len(configuration.SigningKey) == 0:
		return fmt.Errorf("%w: signing key is required", ErrInvalidServerConfig)
	case strings.TrimSpace(configuration.Issuer) == "":
		return fmt.Errorf("%w: issuer is required", ErrInvalidServerConfig)
	case configuration.AccessTTL <= 0:
		return fmt.Errorf("%w: access ttl must be positive", ErrInvalidServerConfig)
	case configuration.RefreshTTL < configuration.AccessTTL:
		return fmt.Errorf("%w: refresh ttl must be at least the access ttl", ErrInvalidServerConfig)
	}
	return nil
}

// Dependencies carries the collaborators shared by every route.
type Dependencies struct {
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder
}

func (dependencies Dependencies) withDefaults() Dependencies {
	if dependencies.Clock == nil {
		dependencies.Clock = clockwork.NewRealClock()
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Metrics == nil {
		dependencies.Metrics = noopMetrics{}
	}
	return dependencies
}
