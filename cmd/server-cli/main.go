package main

import (
	"context"
	"fmt"
	"go-bms-telemetry/config"
	"go-bms-telemetry/internal/api"
	"go-bms-telemetry/internal/cdc"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/internal/db/sqlstore"
	"go-bms-telemetry/internal/hub"
	"go-bms-telemetry/internal/ingest"
	"go-bms-telemetry/internal/metrics"
	"go-bms-telemetry/internal/mqtt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func buildLogger() *zerolog.Logger {
	logger := new(zerolog.Logger)
	zerolog.TimeFieldFormat = time.RFC3339
	*logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	return logger
}

func buildApp(logger *zerolog.Logger) *cli.App {
	app := cli.NewApp()
	app.Usage = "Battery telemetry ingestion with live fan-out"
	app.Version = Version
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the configuration file (JSON or YAML format)",
		},
		&cli.StringSliceFlag{
			Name:  "env-file",
			Usage: "Optional .env files loaded before the BMS_* overrides are applied",
			Value: cli.NewStringSlice(".env"),
		},
	}
	app.Action = mainAction(logger)
	return app
}

func mainAction(logger *zerolog.Logger) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		appCtx, cancel := context.WithCancel(cliCtx.Context)
		defer cancel()

		if err := config.LoadDotEnv(cliCtx.StringSlice("env-file")...); err != nil {
			return err
		}
		config, err := config.LoadFromFile(cliCtx.Path("config"))
		if err != nil {
			return err
		}
		if level, err := zerolog.ParseLevel(config.Log.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", config.Log.Level, err)
		} else {
			*logger = logger.Level(level)
		}

		m := metrics.New()

		var store db.SampleStore
		if s, err := openStore(appCtx, logger, config); err != nil {
			logger.Error().Err(err).Str("backend", config.Store.Backend).Msg("failed to open sample store")
			return err
		} else {
			logger.Info().Str("backend", config.Store.Backend).Msg("sample store ready")
			store = s
		}

		liveHub := hub.NewHub(logger, m, config.Hub.QueueSize)
		service := ingest.NewService(logger, store, ingest.Options{
			Timeout:    config.Store.Timeout.Std(),
			Metrics:    m,
			Publishers: []ingest.Publisher{liveHub},
		})

		var mqttService mqtt.MQTTService
		if config.MQTT.Address != "" {
			if svc, err := mqtt.NewMQTTService(
				appCtx,
				logger,
				config.MQTT.Address,
				config.MQTT.ClientID,
				config.MQTT.Username,
				config.MQTT.Password,
				config.MQTT.IngestTopic,
				config.MQTT.PublishTopic,
				service); err != nil {
				logger.Error().Err(err).Msg("failed to create MQTT service")
				store.Close()
				return err
			} else {
				logger.Info().Msg("connected into mqtt-server")
				mqttService = svc
			}
			service.AddPublisher(mqttService)
			if err := mqttService.Start(); err != nil {
				logger.Error().Err(err).Msg("failed to start MQTT service")
				mqttService.Stop()
				store.Close()
				return err
			}
		}

		var cdcService cdc.CDCService
		if config.CDC.Enabled {
			if svc, err := openCDC(appCtx, logger, config); err != nil {
				logger.Error().Err(err).Msg("failed to create CDC service")
				if mqttService != nil {
					mqttService.Stop()
				}
				store.Close()
				return err
			} else {
				logger.Info().Msg("following scylla change log")
				cdcService = svc
				cdcService.Start()
			}
		}

		router := configureRouter(api.NewHandler(logger, service, liveHub), m, config.HTTP.StaticDir)
		wgApp := new(sync.WaitGroup)
		wgApp.Add(1)

		go func(
			ctx context.Context,
			cancel context.CancelFunc,
			wg *sync.WaitGroup,
			router *fiber.App) {
			defer wg.Done()
			<-ctx.Done()
			liveHub.Close()
			if err := router.ShutdownWithTimeout(10 * time.Second); err != nil {
				logger.Error().Err(err).Msg("failed to shut down the server")
			}
			if mqttService != nil {
				mqttService.Stop()
			}
			if cdcService != nil {
				cdcService.Stop()
			}
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close sample store")
			}
			cancel()
		}(appCtx, cancel, wgApp, router)

		logger.Info().Int("port", config.Port).Msg("starting the server")
		listenErr := router.Listen(fmt.Sprintf(":%d", config.Port))
		if listenErr != nil {
			logger.Error().Err(listenErr).Msg("failed to start the server")
			cancel()
		}

		wgApp.Wait()

		return listenErr
	}
}

func openStore(ctx context.Context, logger *zerolog.Logger, c *config.Config) (db.SampleStore, error) {
	switch c.Store.Backend {
	case config.BackendMemory:
		return db.NewMemoryStore(), nil
	case config.BackendRethink:
		return db.NewRethinkStore(
			ctx,
			logger,
			c.DB.Rethink.Addresses,
			c.DB.Rethink.Database,
			c.DB.Rethink.Username,
			c.DB.Rethink.Password,
			c.Store.Table)
	case config.BackendSQLite, config.BackendPostgres:
		dialect, err := sqlstore.DialectFor(c.Store.Backend)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.New(ctx, logger, dialect, c.Store.DSN, c.Store.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendScylla:
		return cdc.NewScyllaStore(
			ctx,
			logger,
			c.DB.Scylla.Hosts,
			c.DB.Scylla.KeySpace,
			c.Store.Table,
			c.DB.Scylla.Device)
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}

func openCDC(ctx context.Context, logger *zerolog.Logger, c *config.Config) (cdc.CDCService, error) {
	replica, err := db.NewRethinkStore(
		ctx,
		logger,
		c.DB.Rethink.Addresses,
		c.DB.Rethink.Database,
		c.DB.Rethink.Username,
		c.DB.Rethink.Password,
		c.CDC.ReplicaTable)
	if err != nil {
		return nil, err
	}

	svc, err := cdc.NewCDCService(
		ctx,
		logger,
		c.DB.Scylla.KeySpace,
		c.Store.Table,
		c.DB.Scylla.Hosts,
		replica,
		c.CDC.LowSOCThreshold)
	if err != nil {
		replica.Close()
		return nil, err
	}
	return svc, nil
}

func main() {
	logger := buildLogger()
	app := buildApp(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("failed to run the app")
		os.Exit(1)
	}
}
