package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tyemirov/curriculumconsole/internal/authserver"
)

const (
	defaultIssuer = "curriculum-auth"

	configCodeMissingAuthBaseURL      = "config.missing_auth_base_url"
	configCodeConflictingSessionStore = "config.conflicting_session_store"
	configCodeInvalidInterval         = "config.invalid_interval"
	configCodeInvalidRedisTTL         = "config.invalid_redis_ttl"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingSeedPassword     = "config.missing_seed_password"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeUninitializedConfig     = "config.uninitialized_config"
)

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// ConsoleConfig configures the console host started by the serve command.
type ConsoleConfig struct {
	ListenAddr         string
	AuthBaseURL        string
	PublicBaseURL      string
	SessionNamespace   string
	DatabaseURL        string
	PostgresURL        string
	RedisURL           string
	RedisTTL           time.Duration
	BufferWindow       time.Duration
	ProactiveInterval  time.Duration
	HeartbeatInterval  time.Duration
	RequestTimeout     time.Duration
	NonceTTL           time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
}

// AuthServerConfig configures the development auth backend.
type AuthServerConfig struct {
	ListenAddr   string
	DatabaseURL  string
	SeedPassword string
	Server       authserver.ServerConfig
}

// LoadConsoleConfig reads and validates the serve command configuration from viper.
func LoadConsoleConfig() (ConsoleConfig, error) {
	authBaseURL := strings.TrimSpace(viper.GetString("auth_base_url"))
	if authBaseURL == "" {
		return ConsoleConfig{}, configError(configCodeMissingAuthBaseURL, "auth_base_url must be provided")
	}

	configuration := ConsoleConfig{
		ListenAddr:         viper.GetString("listen_addr"),
		AuthBaseURL:        authBaseURL,
		PublicBaseURL:      strings.TrimSpace(viper.GetString("public_base_url")),
		SessionNamespace:   viper.GetString("session_namespace"),
		DatabaseURL:        strings.TrimSpace(viper.GetString("database_url")),
		PostgresURL:        strings.TrimSpace(viper.GetString("postgres_url")),
		RedisURL:           strings.TrimSpace(viper.GetString("redis_url")),
		RedisTTL:           viper.GetDuration("redis_ttl"),
		BufferWindow:       viper.GetDuration("buffer_window"),
		ProactiveInterval:  viper.GetDuration("proactive_interval"),
		HeartbeatInterval:  viper.GetDuration("heartbeat_interval"),
		RequestTimeout:     viper.GetDuration("request_timeout"),
		NonceTTL:           viper.GetDuration("nonce_ttl"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}

	configuredStores := 0
	for _, storeURL := range []string{configuration.DatabaseURL, configuration.PostgresURL, configuration.RedisURL} {
		if storeURL != "" {
			configuredStores++
		}
	}
	if configuredStores > 1 {
		return ConsoleConfig{}, configError(configCodeConflictingSessionStore, "only one of database_url, postgres_url, redis_url may be set")
	}

	intervals := []struct {
		name  string
		value time.Duration
	}{
		{name: "buffer_window", value: configuration.BufferWindow},
		{name: "proactive_interval", value: configuration.ProactiveInterval},
		{name: "heartbeat_interval", value: configuration.HeartbeatInterval},
		{name: "request_timeout", value: configuration.RequestTimeout},
	}
	for _, interval := range intervals {
		if interval.value <= 0 {
			return ConsoleConfig{}, configError(configCodeInvalidInterval, interval.name+" must be greater than zero")
		}
	}
	if configuration.RedisURL != "" && configuration.RedisTTL <= 0 {
		return ConsoleConfig{}, configError(configCodeInvalidRedisTTL, "redis_ttl must be greater than zero")
	}
	if configuration.NonceTTL <= 0 {
		configuration.NonceTTL = 5 * time.Minute
	}
	if configuration.EnableCORS && len(configuration.CORSAllowedOrigins) == 0 {
		return ConsoleConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	return configuration, nil
}

// LoadAuthServerConfig reads and validates the authserver command configuration from viper.
func LoadAuthServerConfig() (AuthServerConfig, error) {
	signingKey := viper.GetString("jwt_signing_key")
	if signingKey == "" {
		return AuthServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	seedPassword := viper.GetString("seed_password")
	if seedPassword == "" {
		return AuthServerConfig{}, configError(configCodeMissingSeedPassword, "seed_password must be provided")
	}
	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return AuthServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL < accessTTL {
		return AuthServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must not be shorter than access_ttl")
	}
	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultIssuer
	}
	return AuthServerConfig{
		ListenAddr:   viper.GetString("listen_addr"),
		DatabaseURL:  strings.TrimSpace(viper.GetString("database_url")),
		SeedPassword: seedPassword,
		Server: authserver.ServerConfig{
			SigningKey: []byte(signingKey),
			Issuer:     issuer,
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
	}, nil
}
