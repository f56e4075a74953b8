package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/config"
	"github.com/yeremiapane/kitchen-router/database"
	"github.com/yeremiapane/kitchen-router/events"
	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/notify"
	"github.com/yeremiapane/kitchen-router/router"
	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

func main() {
	root := &cobra.Command{
		Use:           "kitchen-router",
		Short:         "Routes orders to kitchen stations and streams changes to displays",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), maintenanceCmd(), migrateCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		utils.ErrorLogger.Error(err)
		os.Exit(1)
	}
}

// app holds everything the commands share.
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	nc          *nats.Conn
	notifier    notify.Notifier
	stations    *services.StationRegistry
	timing      *services.TimingEngine
	router      *services.OrderRouter
	transitions *services.TransitionService
	tables      *services.TableService
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	utils.InitLogger(cfg.LogLevel)

	db, err := config.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	if _, err := database.SeedStations(db); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("kitchen-router"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				utils.ErrorLogger.WithError(err).Warn("nats disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				utils.InfoLogger.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.nc = nc
		notifier = notify.Multi{
			notify.LogNotifier{},
			notify.NewBreakerNotifier(notify.NewNATSNotifier(nc, cfg.AlertTopic), notify.BreakerConfig{Name: "nats-alerts"}),
		}
	}
	a.notifier = notifier

	a.stations = services.NewStationRegistry(db, cfg.StationCacheTTL)
	a.timing = services.NewTimingEngine(db, a.stations, notifier, services.TimingConfig{
		Window:         cfg.AnomalyWindow,
		Multiplier:     cfg.AnomalyMultiplier,
		MaxPrepSeconds: cfg.MaxPrepSeconds,
	})
	a.router = services.NewOrderRouter(db, a.stations)
	a.transitions = services.NewTransitionService(db, a.timing)
	a.tables = services.NewTableService(db, a.stations, a.timing)
	return a, nil
}

func (a *app) close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (a *app) maintenance() *services.MaintenanceJob {
	return services.NewMaintenanceJob(a.db, a.stations, a.transitions, services.MaintenanceConfig{
		Interval:         a.cfg.MaintenanceInterval,
		RoutingRetention: a.cfg.RoutingRetention,
		ChangeRetention:  a.cfg.ChangeRetention,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the change feed and the background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.GinMode == "release" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := kds.NewHub()
			feed := kds.NewFeed(a.db, a.cfg.ReplayLimit)

			monitor := services.NewChangeMonitor(a.db, hub)
			monitor.Interval = a.cfg.ChangePollInterval

			engine := router.SetupRouter(router.Deps{
				DB:              a.db,
				Router:          a.router,
				Transitions:     a.transitions,
				Tables:          a.tables,
				Stations:        a.stations,
				Health:          services.NewHealthService(a.db, a.stations, hub, a.cfg.StuckAfter),
				Hub:             hub,
				Feed:            feed,
				CORSOrigins:     a.cfg.CORSOrigins,
				RateLimit:       float64(a.cfg.RateLimit),
				RateLimitBurst:  a.cfg.RateLimitBurst,
				ViewerQueueSize: a.cfg.ViewerQueueSize,
			})

			sup := suture.New("kitchen-router", suture.Spec{
				EventHook: func(e suture.Event) {
					utils.ErrorLogger.WithFields(logrus.Fields(e.Map())).Warn(e.String())
				},
				Timeout: 15 * time.Second,
			})
			sup.Add(hub)
			sup.Add(monitor)
			sup.Add(a.maintenance())
			if a.nc != nil {
				sup.Add(events.NewSubscriber(a.nc, events.NewIntake(a.router)))
			}
			sup.Add(router.NewServer(":"+a.cfg.Port, engine, 10*time.Second))

			utils.InfoLogger.WithFields(logrus.Fields{
				"port":   a.cfg.Port,
				"driver": a.cfg.DBDriver,
				"nats":   a.nc != nil,
			}).Info("kitchen router starting")

			if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			utils.InfoLogger.Info("kitchen router stopped")
			return nil
		},
	}
}

func maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run one maintenance pass and print what it did",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.maintenance().RunOnce(cmd.Context())
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema and seed the default stations",
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			a.close()
			utils.InfoLogger.Info("schema is up to date")
			return nil
		},
	}
}

