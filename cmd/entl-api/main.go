package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/config"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/database"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/invite"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/server"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/translate"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entl-api",
		Short: "Translation credits ledger service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for rate limiting")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningKey),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
	if err != nil {
		return err
	}
	passwordVerifier, err := auth.NewPasswordVerifier(appConfig.AdminPassword, appConfig.AdminPasswordHash)
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    ledger.NewUUIDProvider(),
		Logger:        logger,
		FreeSeed:      appConfig.FreeSeed,
		SyncTolerance: appConfig.SyncTolerance,
	})
	if err != nil {
		return err
	}
	devicesService, err := devices.NewService(devices.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	activationService, err := activation.NewService(activation.ServiceConfig{
		Database: db,
		Ledger:   ledgerService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	inviteService, err := invite.NewService(invite.ServiceConfig{
		Database: db,
		Ledger:   ledgerService,
		Clock:    time.Now,
		Logger:   logger,
		Reward:   appConfig.InviteReward,
	})
	if err != nil {
		return err
	}
	ordersService, err := orders.NewService(orders.ServiceConfig{
		Database:   db,
		Activation: activationService,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	statsService, err := stats.NewService(stats.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()

	dependencies := server.Dependencies{
		Devices:        devicesService,
		Ledger:         ledgerService,
		Activation:     activationService,
		Invites:        inviteService,
		Orders:         ordersService,
		Stats:          statsService,
		Tokens:         tokenIssuer,
		Passwords:      passwordVerifier,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}

	if appConfig.TranslateAPIKey != "" {
		gemini, err := translate.NewGeminiTranslator(translate.GeminiConfig{
			APIKey:  appConfig.TranslateAPIKey,
			Model:   appConfig.TranslateModel,
			BaseURL: appConfig.TranslateBaseURL,
		})
		if err != nil {
			return err
		}
		orchestrator, err := translate.NewOrchestrator(translate.OrchestratorConfig{
			Ledger:     ledgerService,
			Translator: gemini,
			Logger:     logger,
			Metrics:    recorder,
		})
		if err != nil {
			return err
		}
		dependencies.Translator = orchestrator
	} else {
		logger.Warn("translate.api_key not set; /translate disabled")
	}

	redisClient, err := ratelimit.NewRedisClient(ctx, appConfig.RedisAddress)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		limiter, err := ratelimit.NewLimiter(ratelimit.NewTokenBucket(redisClient, ""), appConfig.RateLimitRate, appConfig.RateLimitBurst)
		if err != nil {
			return err
		}
		dependencies.Limiter = limiter
		logger.Info("rate limiting enabled", zap.String("redis_address", appConfig.RedisAddress))
	}

	handler, err := server.NewHTTPHandler(dependencies)
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
