package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/contact"
	"github.com/tidewatch/smartsos/server/location"
	"github.com/tidewatch/smartsos/server/metrics"
	"github.com/tidewatch/smartsos/server/models"
	"github.com/tidewatch/smartsos/server/notify"
	"github.com/tidewatch/smartsos/server/sos"
	"github.com/tidewatch/smartsos/server/work"
	"github.com/tidewatch/smartsos/shared"
	"gorm.io/gorm"
)

// Options override parts of the wiring NewApp derives from the config.
type Options struct {
	Clock   clock.Clock
	Gateway notify.Gateway
	DevMode bool
}

// App holds every long lived component of a running server.
type App struct {
	config      shared.ServerConfig
	clock       clock.Clock
	alerts      alert.Store
	locations   location.Registry
	contacts    contact.Store
	coordinator *sos.Coordinator
	workerPool  *work.WorkerPoolAdapter
	metrics     *metrics.Metrics
	db          *gorm.DB
	natsConn    *nats.Conn
}

func NewApp(config shared.ServerConfig, opts Options) (*App, error) {
	app := &App{config: config, clock: opts.Clock, metrics: metrics.New()}
	if app.clock == nil {
		app.clock = clock.New()
	}

	err := app.initStores(opts.DevMode)
	if err != nil {
		return nil, err
	}

	gateway := opts.Gateway
	if gateway == nil {
		gateway, err = app.initGateway(opts.DevMode)
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	app.workerPool = work.NewWorkerAdapter(config.Sos.Cron.TimeZone, config.Sos.Workers.Concurrency)
	app.coordinator, err = sos.NewCoordinator(sos.Deps{
		Alerts:    app.alerts,
		Locations: app.locations,
		Contacts:  app.contacts,
		Gateway:   gateway,
		Clock:     app.clock,
		Pool:      app.workerPool,
		Metrics:   app.metrics,
	}, sos.Config{
		EscalationDelay:   config.Sos.EscalationDelay,
		PeerRadiusKm:      config.Sos.PeerRadiusKm,
		FanoutConcurrency: config.Sos.FanoutConcurrency,
		SweepGrace:        config.Sos.SweepGrace,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	return app, nil
}

func (app *App) initStores(devMode bool) error {
	app.locations = location.NewMemoryRegistry(app.clock)

	if app.config.Storage.Driver == models.MEMORY_DRIVER {
		app.alerts = alert.NewMemoryStore(app.clock)
		app.contacts = contact.NewMemoryStore(app.clock)
		return nil
	}

	config := app.config
	if config.Storage.Driver == models.SQLITE_DRIVER && config.Sqlite.Dir == "" {
		config.Sqlite.Dir = configDirectory(devMode)
	}

	db, err := models.Open(config)
	if err != nil {
		return err
	}

	app.db = db
	app.alerts = models.NewAlertStore(db, app.clock)
	app.contacts = models.NewContactStore(db, app.clock)

	return nil
}

func (app *App) initGateway(devMode bool) (notify.Gateway, error) {
	gateways := notify.Multi{notify.LogGateway{}}

	if app.config.Twilio.Enabled {
		client := notify.NewTwilioClient(app.config.Twilio, app.config.Twilio.DryRun || devMode)
		gateways = append(gateways, notify.NewTwilioGateway(client, app.config.Sos.AuthorityNumbers))
	}

	if app.config.Nats.Enabled {
		conn, err := notify.ConnectNATS(app.config.Nats)
		if err != nil {
			return nil, err
		}
		app.natsConn = conn
		gateways = append(gateways, notify.NewNatsGateway(conn, app.config.Nats.SubjectPrefix))
	}

	return gateways, nil
}

// Run starts the worker pool, re-arms escalations that were pending when the
// process last stopped and schedules the overdue sweep.
func (app *App) Run(ctx context.Context) error {
	err := app.workerPool.Start()
	if err != nil {
		return err
	}

	_, err = app.coordinator.RearmActive(ctx)
	if err != nil {
		return fmt.Errorf("unable to re-arm active alerts: %v", err)
	}

	return app.workerPool.PeriodicallyPerform(app.config.Sos.SweepSchedule, sos.SweepJob())
}

// Close stops background work and releases connections. Pending escalations
// are re-armed from the store on the next start.
func (app *App) Close() {
	if app.coordinator != nil {
		app.coordinator.Stop()
	}

	if app.workerPool != nil {
		app.workerPool.Stop()
	}

	if app.natsConn != nil {
		app.natsConn.Close()
	}

	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

func (app *App) Handler() http.Handler {
	return newRouter(app)
}
