package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var newLogger = zap.NewProduction

const metricsNamespace = "curriculumconsole"

type contextKey string

const commandConfigContextKey contextKey = "commandConfig"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config.dotenv_load: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "curriculumconsole",
		Short:        "Curriculum approval console with a self-renewing authenticated session",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCommand(), newAuthServerCommand())

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console host that keeps one staff session alive and proxies API calls",
		PreRunE: func(command *cobra.Command, arguments []string) error {
			return prepareConfig(command, func() (any, error) { return LoadConsoleConfig() })
		},
		RunE: runConsole,
	}
	flags := serveCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("auth_base_url", "", "Base URL of the auth backend and curriculum API")
	flags.String("public_base_url", "", "Public URL of this console; empty derives it from each request")
	flags.String("session_namespace", "default", "Namespace separating persisted sessions in a shared store")
	flags.String("database_url", "", "Session store database URL (postgres:// or sqlite://)")
	flags.String("postgres_url", "", "Session store PostgreSQL URL using the pgx pool")
	flags.String("redis_url", "", "Session store Redis URL")
	flags.Duration("redis_ttl", 30*24*time.Hour, "Idle expiry of the Redis session hash")
	flags.Duration("buffer_window", 5*time.Minute, "Renew access tokens this long before expiry")
	flags.Duration("proactive_interval", time.Minute, "Interval of the proactive renewal check")
	flags.Duration("heartbeat_interval", 5*time.Minute, "Interval of the server-side session heartbeat")
	flags.Duration("request_timeout", 15*time.Second, "Timeout for every auth exchange")
	flags.Duration("nonce_ttl", 5*time.Minute, "Lifetime of login nonces")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin console front-ends")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	return serveCmd
}

func newAuthServerCommand() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "authserver",
		Short: "Run the development auth backend with seeded staff accounts and the curriculum API",
		PreRunE: func(command *cobra.Command, arguments []string) error {
			return prepareConfig(command, func() (any, error) { return LoadAuthServerConfig() })
		},
		RunE: runAuthServer,
	}
	flags := authCmd.Flags()
	flags.String("listen_addr", ":8081", "HTTP listen address")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	flags.String("jwt_issuer", defaultIssuer, "Issuer claim of access tokens")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 24*time.Hour, "Refresh token TTL")
	flags.String("database_url", "", "Refresh token database URL (postgres:// or sqlite://; empty for in-memory)")
	flags.String("seed_password", "", "Password assigned to every seeded staff account")
	return authCmd
}

func prepareConfig(command *cobra.Command, load func() (any, error)) error {
	if err := viper.BindPFlags(command.Flags()); err != nil {
		return err
	}
	configuration, loadErr := load()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, commandConfigContextKey, configuration))
	return nil
}

func preparedConfig[T any](command *cobra.Command) (T, error) {
	var zero T
	commandContext := command.Context()
	if commandContext == nil {
		return zero, configError(configCodeUninitializedConfig, "configuration not prepared; PreRunE must execute before RunE")
	}
	configuration, ok := commandContext.Value(commandConfigContextKey).(T)
	if !ok {
		return zero, configError(configCodeUninitializedConfig, "configuration not prepared; PreRunE must execute before RunE")
	}
	return configuration, nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func newRouter(logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	return router
}

func serveUntilSignal(logger *zap.Logger, server *http.Server) error {
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", server.Addr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
