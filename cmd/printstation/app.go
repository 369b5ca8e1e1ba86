package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printstation/internal/api"
	"github.com/orrn/printstation/internal/api/handlers"
	"github.com/orrn/printstation/internal/api/middleware"
	"github.com/orrn/printstation/internal/api/stream"
	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/config"
	"github.com/orrn/printstation/internal/connectivity"
	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/runmode"
	"github.com/orrn/printstation/internal/session"
	"github.com/orrn/printstation/internal/station"
	"github.com/orrn/printstation/internal/store"
	"github.com/orrn/printstation/internal/webhook"
)

// App holds every long-lived component of a running agent.
type App struct {
	cfg *config.Config
	log logger.Logger

	db       *db.DB
	store    *store.Store
	printLog *db.PrintLog

	client  *backend.Client
	authed  *backend.Client
	session *session.Manager

	monitor   *connectivity.Monitor
	watcher   *connectivity.NetworkWatcher
	printers  *core.PrinterManager
	engine    *core.Engine
	autoPrint *core.AutoPrinter
	station   *station.Controller

	hub      *stream.Hub
	webhooks *webhook.Sender
	server   *api.Server
}

// openStore opens the database and the sealed state store on top of it.
func openStore(cfg *config.Config, log logger.Logger) (*db.DB, *store.Store, error) {
	database, err := db.Open(db.Config{Path: cfg.Storage.DatabasePath})
	if err != nil {
		return nil, nil, err
	}

	sealer, err := store.OpenSealer(cfg.Storage.KeyFile, cfg.Storage.Passphrase)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	st := store.New(db.NewStateStore(database), log.Named("store"),
		store.WithSealer(sealer),
		store.WithLimits(cfg.Storage.MaxQueueSize, cfg.Storage.MaxFailedJobs),
	)
	return database, st, nil
}

func NewApp(cfg *config.Config, log logger.Logger) (*App, error) {
	database, st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	bus := events.NewBus()

	a := &App{
		cfg:      cfg,
		log:      log,
		db:       database,
		store:    st,
		printLog: db.NewPrintLog(database),
	}

	a.client = backend.New(cfg.Server.BaseURL, cfg.Server.RequestTimeout)
	a.session = session.New(session.Config{
		RenewBefore:     cfg.Session.RenewBefore,
		ReauthAttempts:  cfg.Session.ReauthAttempts,
		ReauthBaseDelay: cfg.Session.ReauthBaseDelay,
	}, a.client, a.client.HTTPDoer(), st, log.Named("session"), clock)
	a.authed = a.client.WithAuth(a.session)

	a.monitor = connectivity.NewMonitor(connectivity.Config{
		ProbeInterval:      cfg.Connectivity.ProbeInterval,
		ProbeTimeout:       cfg.Connectivity.ProbeTimeout,
		ReconnectBaseDelay: cfg.Connectivity.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Connectivity.ReconnectMaxDelay,
		DrainRate:          cfg.Connectivity.DrainRate,
	}, a.client, a.authed, st, bus, log.Named("connectivity"), clock)
	a.watcher = connectivity.NewNetworkWatcher(a.monitor, cfg.Connectivity.NetworkPollPeriod, log.Named("network"), clock)

	a.printers = core.NewPrinterManager(core.PrinterManagerConfig{
		PrinterName:         cfg.Printing.PrinterName,
		CommandTimeout:      cfg.Printing.CommandTimeout,
		HealthCheckInterval: cfg.Printing.CheckInterval,
		SumatraPath:         cfg.Printing.SumatraPath,
	}, nil, bus, log.Named("printer"), clock)

	a.engine = core.NewEngine(core.Config{
		PollInterval:   cfg.Printing.PollInterval,
		MaxAttempts:    cfg.Printing.MaxAttempts,
		RetryBaseDelay: cfg.Printing.RetryBaseDelay,
		SettleDelay:    cfg.Printing.SettleDelay,
		ReplayLimit:    cfg.Printing.ReplayLimit,
		SpoolDir:       cfg.Storage.SpoolDir,
		PrinterName:    cfg.Printing.PrinterName,
	}, a.monitor, a.authed, a.printers, st, runmode.NewDetector(cfg.Printing.DisplayMode), a.printLog, bus, log.Named("engine"), clock)

	a.autoPrint = core.NewAutoPrinter(core.AutoPrintConfig{
		Interval: cfg.Printing.PollInterval,
		Files:    cfg.Printing.AutoPrintFiles,
	}, a.monitor, a.authed, st, bus, log.Named("autoprint"), clock)

	a.station = station.New(station.Config{
		HeartbeatInterval:  cfg.Station.HeartbeatInterval,
		ReconnectAttempts:  cfg.Station.ReconnectAttempts,
		ReconnectBaseDelay: cfg.Station.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Station.ReconnectMaxDelay,
	}, a.authed, a.monitor, a.engine, a.session, st, bus, log.Named("station"), clock)
	a.session.OnTerminal(a.station.SessionFailed)

	a.hub = stream.NewHub(bus, log.Named("stream"), cfg.API.AllowedOrigins)
	a.webhooks = webhook.NewSender(webhookConfig(cfg.Webhooks), a.stationName, bus, log.Named("webhook"), clock)

	if cfg.API.Enabled {
		h := api.Handlers{
			Status:   handlers.NewStatusHandler(a.station, a.monitor, a.engine, st.DeviceMode),
			Session:  handlers.NewSessionHandler(a.session, st.DeviceMode),
			Station:  handlers.NewStationHandler(a.station, a.authed, cfg.Station),
			Jobs:     handlers.NewJobHandler(a.engine, st, a.printLog),
			Printers: handlers.NewPrinterHandler(a.printers),
			Settings: handlers.NewSettingsHandler(a.authed, a.monitor, st, log.Named("settings")),
			Events:   handlers.NewEventsHandler(a.hub),
			Webhooks: handlers.NewWebhookHandler(a.webhooks),
			WebUI:    handlers.NewWebUIHandler(a.station, a.monitor, a.engine, a.printers, st, a.printLog),
		}
		router := api.NewRouter(h, middleware.NewAuthMiddleware(cfg.API.Token), log.Named("api"))
		a.server = api.NewServer(cfg.API.Listen, router, log.Named("api"))
	}

	return a, nil
}

func webhookConfig(cfg config.WebhooksConfig) webhook.Config {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		types := make([]events.Type, 0, len(e.Events))
		for _, name := range e.Events {
			types = append(types, events.Type(name))
		}
		endpoints = append(endpoints, webhook.Endpoint{
			Name:   e.Name,
			URL:    e.URL,
			Secret: e.Secret,
			Events: types,
		})
	}
	return webhook.Config{
		Endpoints:   endpoints,
		RetryCount:  cfg.RetryCount,
		RetryDelay:  cfg.RetryDelay,
		Timeout:     cfg.Timeout,
		WorkerCount: cfg.Workers,
		QueueSize:   cfg.QueueSize,
	}
}

func (a *App) stationName() string {
	if sess, ok := a.station.Session(); ok && sess.Station.Name != "" {
		return sess.Station.Name
	}
	return a.cfg.Station.Name
}

// Run starts every component and blocks until ctx is cancelled or a
// background task fails. Components are torn down in reverse order.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.session.Restore() {
		a.log.Info("session restored", logger.Time("expires_at", a.session.Expiry()))
	}

	a.printers.Start()
	a.monitor.Start()
	if a.station.Start() {
		a.log.Info("station resumed")
	}
	a.webhooks.Start(ctx)
	a.prunePrintLog(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.autoPrint.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	if a.server != nil {
		g.Go(func() error {
			if err := a.server.Run(gctx); err != nil {
				return fmt.Errorf("local api: %w", err)
			}
			return nil
		})
	}

	a.log.Info("print station running",
		logger.String("server", a.cfg.Server.BaseURL),
		logger.Bool("api", a.server != nil),
	)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) prunePrintLog(ctx context.Context) {
	if a.cfg.Storage.PrintLogRetention <= 0 {
		return
	}
	n, err := a.printLog.Prune(ctx, a.cfg.Storage.PrintLogRetention)
	if err != nil {
		a.log.Warn("print log prune failed", logger.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("print log pruned", logger.Int64("removed", n))
	}
}

func (a *App) close() {
	a.station.Stop()
	a.monitor.Stop()
	a.printers.Stop()
	a.session.Stop()
	a.webhooks.Stop()

	if err := a.db.Close(); err != nil {
		a.log.Error("failed to close database", logger.Err(err))
	}
	a.log.Info("print station stopped")
}
