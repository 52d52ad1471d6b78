package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/clipboard"
	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clipsync-api",
		Short:        "Shared clipboard sync service",
		SilenceUsage: true,
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.StringSlice("trusted-proxies", nil, "Proxy addresses or CIDRs whose X-Forwarded-For is honoured")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice(config.KeyAllowedOrigins), "CORS and WebSocket allowed origins")
	flags.Int("realtime-buffer-size", defaults.GetInt(config.KeyRealtimeBufferSize), "Outbound events queued per push subscriber")
	flags.Duration("realtime-write-timeout", defaults.GetDuration(config.KeyRealtimeWriteTimeout), "Per-event push write timeout")
	flags.Duration("realtime-ping-interval", defaults.GetDuration(config.KeyRealtimePingInterval), "WebSocket keepalive ping interval")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyTrustedProxies, "trusted-proxies")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyAllowedOrigins, "allowed-origins")
	bindFlag(cmd, config.KeyRealtimeBufferSize, "realtime-buffer-size")
	bindFlag(cmd, config.KeyRealtimeWriteTimeout, "realtime-write-timeout")
	bindFlag(cmd, config.KeyRealtimePingInterval, "realtime-ping-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
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

	gin.SetMode(gin.ReleaseMode)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		logger.Error("database bootstrap failed", zap.Error(err))
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	repository, err := clipboard.NewRepository(clipboard.RepositoryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: clipboard.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry := server.NewConnectionRegistry(server.RegistryConfig{
		BufferSize:   appConfig.RealtimeBufferSize,
		WriteTimeout: appConfig.RealtimeWriteTimeout,
		Logger:       logger,
	})
	defer registry.Close()

	coordinator, err := clipboard.NewCoordinator(clipboard.CoordinatorConfig{
		Storage:     repository,
		Broadcaster: registry,
		Connections: registry,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator:    coordinator,
		Registry:       registry,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		PingInterval:   appConfig.RealtimePingInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		// Hijacked WebSocket connections are not tracked by Shutdown, so the
		// registry is closed first to release their serve loops.
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
