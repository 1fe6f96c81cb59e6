package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/config"
	"github.com/MarcoPoloResearchLab/cliproom/internal/database"
	"github.com/MarcoPoloResearchLab/cliproom/internal/logging"
	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/MarcoPoloResearchLab/cliproom/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// roomChannel both publishes committed rows and serves subscriptions.
type roomChannel interface {
	rooms.Publisher
	realtime.Notifier
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the room server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("public-url", defaults.GetString("http.public_url"), "Externally reachable base URL used in image links")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	flags.String("blobs-dir", defaults.GetString("blobs.dir"), "Directory holding uploaded images")
	flags.Int64("blobs-max-bytes", defaults.GetInt64("blobs.max_bytes"), "Largest accepted image upload")
	flags.String("redis-url", defaults.GetString("realtime.redis_url"), "Redis URL for sharing room channels across instances")
	flags.Duration("retention", defaults.GetDuration("rooms.retention"), "How long a room lives after creation")
	flags.String("sweep-schedule", defaults.GetString("sweep.schedule"), "Cron schedule for the expiry sweep")
	flags.Float64("ratelimit-rps", defaults.GetFloat64("ratelimit.rps"), "Requests per second allowed per client (0 disables)")
	flags.Int("ratelimit-burst", defaults.GetInt("ratelimit.burst"), "Request burst allowed per client")

	bindFlag(flags, "http.address", "http-address")
	bindFlag(flags, "http.public_url", "public-url")
	bindFlag(flags, "database.driver", "database-driver")
	bindFlag(flags, "database.path", "database-path")
	bindFlag(flags, "database.dsn", "database-dsn")
	bindFlag(flags, "blobs.dir", "blobs-dir")
	bindFlag(flags, "blobs.max_bytes", "blobs-max-bytes")
	bindFlag(flags, "realtime.redis_url", "redis-url")
	bindFlag(flags, "rooms.retention", "retention")
	bindFlag(flags, "sweep.schedule", "sweep-schedule")
	bindFlag(flags, "ratelimit.rps", "ratelimit-rps")
	bindFlag(flags, "ratelimit.burst", "ratelimit-burst")
	return cmd
}

func newSweepCommand() *cobra.Command {
	var dryRun bool
	var remote bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete rooms past their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if remote {
				roomClient, _, _, err := newRoomClient()
				if err != nil {
					return err
				}
				return reportSweep(cmd, dryRun, roomClient.ExpiredCount, roomClient.SweepExpired)
			}

			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, service, err := openRoomService(appConfig, nil, logger)
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			if dryRun {
				return reportSweep(cmd, true, service.ExpiredCount, nil)
			}
			sweeper, err := rooms.NewSweeper(rooms.SweeperConfig{Target: service, Schedule: appConfig.SweepSchedule, Logger: logger})
			if err != nil {
				return err
			}
			return reportSweep(cmd, false, nil, func(context.Context) (int64, error) {
				return sweeper.RunOnce(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count expired rooms")
	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the server at --server-url instead of opening the database")
	return cmd
}

func reportSweep(cmd *cobra.Command, dryRun bool, count, sweep func(context.Context) (int64, error)) error {
	if dryRun {
		expired, err := count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d expired rooms\n", expired)
		return nil
	}
	deleted, err := sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired rooms\n", deleted)
	return nil
}

func openRoomService(appConfig config.AppConfig, publisher rooms.Publisher, logger *zap.Logger) (*gorm.DB, *rooms.Service, error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := rooms.NewGormStore(db)
	if err != nil {
		_ = database.Close(db)
		return nil, nil, err
	}
	service, err := rooms.NewService(rooms.ServiceConfig{
		Store:             store,
		Publisher:         publisher,
		Clock:             time.Now,
		IDProvider:        rooms.NewUUIDProvider(),
		Retention:         appConfig.RoomRetention,
		MaxCreateAttempts: appConfig.MaxCreateAttempts,
		Logger:            logger,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, nil, err
	}
	return db, service, nil
}

func openRoomChannel(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (roomChannel, func(), error) {
	if appConfig.RedisURL == "" {
		return realtime.NewDispatcher(), func() {}, nil
	}
	redisClient, err := realtime.InitRedis(ctx, appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := realtime.NewRedisNotifier(realtime.RedisNotifierConfig{Client: redisClient, Logger: logger})
	if err != nil {
		_ = redisClient.Close()
		return nil, nil, err
	}
	logger.Info("room channels shared through redis")
	return notifier, func() { _ = redisClient.Close() }, nil
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel, closeChannel, err := openRoomChannel(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeChannel()

	db, service, err := openRoomService(appConfig, channel, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	fileStore, err := blobs.NewFileStore(blobs.FileStoreConfig{
		Directory:     appConfig.BlobDirectory,
		PublicBaseURL: appConfig.PublicURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := rooms.NewSweeper(rooms.SweeperConfig{
		Target:   service,
		Schedule: appConfig.SweepSchedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:        service,
		Blobs:        fileStore,
		Realtime:     channel,
		MaxBlobBytes: appConfig.BlobMaxBytes,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: appConfig.RateLimitRPS,
			Burst:             appConfig.RateLimitBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(signalCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("public_url", appConfig.PublicURL),
			zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-sweeperDone
		return err
	case err := <-errCh:
		stop()
		<-sweeperDone
		return err
	}
}
