package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/config"
	"github.com/haulware/docsync/internal/database"
	"github.com/haulware/docsync/internal/logging"
	"github.com/haulware/docsync/internal/metrics"
	"github.com/haulware/docsync/internal/mirror"
	"github.com/haulware/docsync/internal/remote"
	"github.com/haulware/docsync/internal/remote/memorystore"
	"github.com/haulware/docsync/internal/remote/pgstore"
	"github.com/haulware/docsync/internal/remote/redisstore"
	"github.com/haulware/docsync/internal/repository"
	"github.com/haulware/docsync/internal/server"
	"github.com/haulware/docsync/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docsync-api",
		Short: "Multi-tenant offline-tolerant document repository service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite mirror database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-driver", defaults.GetString("remote.driver"), "Remote store driver (memory, redis, postgres)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("remote.redis_addr"), "Redis address for the redis driver")
	cmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string for the postgres driver")
	cmd.PersistentFlags().String("tenant-id", "", "Provisioned tenant identifier")
	cmd.PersistentFlags().Bool("remote-only", defaults.GetBool("sync.remote_only"), "Surface remote failures instead of falling back to the mirror")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.driver", "remote-driver")
	bindFlag(cmd, "remote.redis_addr", "redis-addr")
	bindFlag(cmd, "remote.postgres_dsn", "postgres-dsn")
	bindFlag(cmd, "tenant.provisioned_id", "tenant-id")
	bindFlag(cmd, "sync.remote_only", "remote-only")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	mirrorStore, err := mirror.NewStore(mirror.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if appConfig.TenantProvisionedID != "" {
		if err := mirrorStore.PutSetting(tenant.SettingProvisionedTenant, appConfig.TenantProvisionedID); err != nil {
			return err
		}
	}

	remoteStore, closeRemote, err := openRemoteStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	resolver, err := tenant.NewResolver(tenant.ResolverConfig{
		Settings:     mirrorStore,
		Remote:       remoteStore,
		SharedDemo:   appConfig.TenantSharedDemo,
		DemoTenantID: appConfig.TenantDemoID,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// The token middleware settles this provider on the first authenticated
	// request; until then the repositories treat the session as absent.
	sessions := auth.NewSignalProvider()

	retryPolicy := repository.RetryPolicy{
		MaxAttempts: appConfig.RetryAttempts,
		Interval:    appConfig.RetryInterval,
	}
	manager, err := repository.NewManager(repository.ManagerConfig{
		Remote:           remoteStore,
		Mirror:           mirrorStore,
		Resolver:         resolver,
		Auth:             sessions,
		Metrics:          collector,
		RemoteOnly:       appConfig.RemoteOnly,
		PreserveUnsynced: appConfig.PreserveUnsynced,
		DedupTTL:         appConfig.DedupTTL,
		QuotaCooldown:    appConfig.QuotaCooldown,
		TenantWait:       retryPolicy,
		AuthSettle:       retryPolicy,
		WatchWait:        retryPolicy,
		Clock:            time.Now,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Manager:      manager,
		Sessions:     sessions,
		Dispatcher:   server.NewRealtimeDispatcher(),
		Gatherer:     registry,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("remote_driver", appConfig.RemoteDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openRemoteStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (remote.Store, func(), error) {
	switch appConfig.RemoteDriver {
	case "redis":
		store, err := redisstore.NewStore(ctx, redisstore.StoreConfig{
			Addr:     appConfig.RedisAddr,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.StoreConfig{
			DSN:    appConfig.PostgresDSN,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return memorystore.New(), func() {}, nil
	}
}
