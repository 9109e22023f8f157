package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/tyemirov/curriculumconsole/internal/console"
	"github.com/tyemirov/curriculumconsole/internal/sessionpg"
	"github.com/tyemirov/curriculumconsole/internal/telemetry"
	"github.com/tyemirov/curriculumconsole/pkg/sessionclient"
	"github.com/tyemirov/curriculumconsole/pkg/sessionstore"
	"go.uber.org/zap"
)

func runConsole(command *cobra.Command, arguments []string) error {
	configuration, configErr := preparedConfig[ConsoleConfig](command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	store, closeStore, storeErr := openSessionStore(ctx, configuration, logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	registry := newRegistry()
	recorder, metricsErr := telemetry.NewPrometheusRecorder(registry, metricsNamespace, "session")
	if metricsErr != nil {
		return metricsErr
	}

	manager, managerErr := sessionclient.New(sessionclient.Config{
		BaseURL:           configuration.AuthBaseURL,
		Store:             store,
		Logger:            logger,
		Metrics:           recorder,
		BufferWindow:      configuration.BufferWindow,
		ProactiveInterval: configuration.ProactiveInterval,
		HeartbeatInterval: configuration.HeartbeatInterval,
		RequestTimeout:    configuration.RequestTimeout,
	})
	if managerErr != nil {
		return fmt.Errorf("session.client.init: %w", managerErr)
	}
	restored, restoreErr := manager.Restore(ctx)
	if restoreErr != nil {
		logger.Warn("session restore failed", zap.String("code", "console.restore.failed"), zap.Error(restoreErr))
	} else {
		logger.Info("session restore finished", zap.String("code", "console.restore.finished"), zap.Bool("authenticated", restored))
	}

	var allowedOrigins []string
	if configuration.EnableCORS {
		allowedOrigins = configuration.CORSAllowedOrigins
	}
	host, hostErr := console.NewHost(console.Options{
		Manager:        manager,
		Nonces:         console.NewMemoryNonceStore(configuration.NonceTTL, nil),
		Logger:         logger,
		MetricsHandler: telemetry.Handler(registry),
		Script:         console.ScriptConfig{BaseURL: configuration.PublicBaseURL},
		AllowedOrigins: allowedOrigins,
	})
	if hostErr != nil {
		return hostErr
	}
	defer host.Close()

	router := newRouter(logger)
	if configuration.EnableCORS {
		corsMiddleware, corsErr := console.ConfigureCORS(logger, configuration.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}
	host.Mount(router)

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveUntilSignal(logger, server)
}

func openSessionStore(ctx context.Context, configuration ConsoleConfig, logger *zap.Logger) (sessionclient.KeyValueStore, func(), error) {
	switch {
	case configuration.PostgresURL != "":
		pool, poolErr := sessionpg.BuildPool(ctx, configuration.PostgresURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := sessionpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using postgres session store", zap.String("code", "console.store.selected"), zap.String("driver", "pgx"))
		return sessionpg.NewStore(pool, configuration.SessionNamespace), pool.Close, nil
	case configuration.DatabaseURL != "":
		store, storeErr := sessionstore.OpenDatabaseStore(ctx, configuration.DatabaseURL, configuration.SessionNamespace)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using database session store", zap.String("code", "console.store.selected"), zap.String("driver", store.Driver()))
		return store, func() { _ = store.Close() }, nil
	case configuration.RedisURL != "":
		options, parseErr := redis.ParseURL(configuration.RedisURL)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("session_store.redis.parse_url: %w", parseErr)
		}
		client := redis.NewClient(options)
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("session_store.redis.ping: %w", pingErr)
		}
		logger.Info("using redis session store", zap.String("code", "console.store.selected"), zap.String("driver", "redis"))
		return sessionstore.NewRedisStore(client, configuration.SessionNamespace, configuration.RedisTTL), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory session store", zap.String("code", "console.store.selected"), zap.String("driver", "memory"))
		return sessionclient.NewMemoryKeyValueStore(), func() {}, nil
	}
}
