package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/tyemirov/curriculumconsole/internal/authserver"
	"github.com/tyemirov/curriculumconsole/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func runAuthServer(command *cobra.Command, arguments []string) error {
	configuration, configErr := preparedConfig[AuthServerConfig](command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	clock := clockwork.NewRealClock()
	users := authserver.NewInMemoryUsers(bcrypt.DefaultCost)
	staff, seedErr := authserver.SeedStaff(users, configuration.SeedPassword)
	if seedErr != nil {
		return seedErr
	}
	logger.Info("seeded staff accounts", zap.String("code", "authserver.seed.completed"), zap.Int("count", len(staff)))

	var refreshStore authserver.RefreshTokenStore
	if configuration.DatabaseURL != "" {
		persistentStore, storeErr := authserver.NewDatabaseRefreshTokenStore(command.Context(), configuration.DatabaseURL, clock)
		if storeErr != nil {
			return storeErr
		}
		defer func() { _ = persistentStore.Close() }()
		refreshStore = persistentStore
		logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
	} else {
		refreshStore = authserver.NewMemoryRefreshTokenStore(clock)
		logger.Info("using in-memory refresh token store")
	}

	registry := newRegistry()
	recorder, metricsErr := telemetry.NewPrometheusRecorder(registry, metricsNamespace, "auth")
	if metricsErr != nil {
		return metricsErr
	}

	router := newRouter(logger)
	mountErr := authserver.MountAuthRoutes(router, configuration.Server, users, refreshStore, authserver.NewCurriculumCatalog(clock.Now()), authserver.Dependencies{
		Clock:   clock,
		Logger:  logger,
		Metrics: recorder,
	})
	if mountErr != nil {
		return mountErr
	}
	router.GET("/metrics", gin.WrapH(telemetry.Handler(registry)))

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveUntilSignal(logger, server)
}
