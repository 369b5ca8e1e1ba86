package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/config"
	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/session"
	"github.com/orrn/printstation/internal/station"
	"github.com/orrn/printstation/internal/store"
)

var errNotLoggedIn = errors.New("not logged in, run `printstation login` first")

type printerLister interface {
	ListPrinters(ctx context.Context) ([]core.PrinterInfo, error)
}

// offline bundles what the one-shot commands need without starting the agent.
type offline struct {
	db      *db.DB
	store   *store.Store
	session *session.Manager
	authed  *backend.Client
}

func openOffline(cfg *config.Config, log logger.Logger) (*offline, error) {
	database, st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	client := backend.New(cfg.Server.BaseURL, cfg.Server.RequestTimeout)
	sess := session.New(session.Config{
		RenewBefore:     cfg.Session.RenewBefore,
		ReauthAttempts:  cfg.Session.ReauthAttempts,
		ReauthBaseDelay: cfg.Session.ReauthBaseDelay,
	}, client, client.HTTPDoer(), st, log.Named("session"), clockwork.NewRealClock())

	return &offline{
		db:      database,
		store:   st,
		session: sess,
		authed:  client.WithAuth(sess),
	}, nil
}

func (o *offline) Close() {
	o.session.Stop()
	o.db.Close()
}

func runLogin(ctx context.Context, w io.Writer, o *offline, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required (--username/--password or PRINTSTATION_USERNAME/PRINTSTATION_PASSWORD)")
	}

	if _, err := o.session.Login(ctx, models.Credentials{Username: username, Password: password}, true); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintf(w, "Logged in as %s", username)
	if exp := o.session.Expiry(); !exp.IsZero() {
		fmt.Fprintf(w, ", token expires %s", exp.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w)
	return nil
}

func runRegister(ctx context.Context, w io.Writer, o *offline, cfg config.StationConfig) error {
	if sess, ok := o.store.StationSession(); ok {
		return fmt.Errorf("%w as %q (id %d)", station.ErrAlreadyRegistered, sess.Station.Name, sess.Station.ID)
	}
	if !o.session.Restore() {
		return errNotLoggedIn
	}
	if cfg.Name == "" {
		return errors.New("station name is required (--name or station.name)")
	}

	reg := backend.RegisterRequest{Name: cfg.Name, Location: cfg.Location}
	if len(cfg.Capabilities) > 0 {
		raw, err := json.Marshal(cfg.Capabilities)
		if err != nil {
			return fmt.Errorf("invalid capabilities: %w", err)
		}
		reg.Capabilities = raw
	}

	sess, err := o.authed.RegisterStation(ctx, reg)
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	o.store.SaveStationSession(*sess)

	fmt.Fprintf(w, "Registered station %q (id %d)\n", sess.Station.Name, sess.Station.ID)
	return nil
}

// runUnregister always clears local state; the server call is best effort.
func runUnregister(ctx context.Context, w io.Writer, o *offline, log logger.Logger) error {
	sess, ok := o.store.StationSession()
	if !ok {
		return station.ErrNotRegistered
	}

	if o.session.Restore() {
		if err := o.authed.UnregisterStation(ctx, sess.Station.ID); err != nil {
			log.Warn("server unregister failed, clearing local state anyway", logger.Err(err))
		}
	} else {
		log.Warn("not logged in, clearing local state only")
	}
	o.store.ClearStation()

	fmt.Fprintf(w, "Unregistered station %q (id %d)\n", sess.Station.Name, sess.Station.ID)
	return nil
}

func runPrinters(ctx context.Context, w io.Writer, printers printerLister) error {
	list, err := printers.ListPrinters(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No printers found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEFAULT\tACCEPTING")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%v\t%v\n", p.Name, p.Default, p.Accepting)
	}
	return tw.Flush()
}

// runStatus reports the service state, then the station as the backend sees it.
func runStatus(ctx context.Context, w io.Writer, serviceState string, o *offline, log logger.Logger) error {
	fmt.Fprintf(w, "Service:  %s\n", serviceState)

	sess, ok := o.store.StationSession()
	if !ok {
		fmt.Fprintln(w, "Station:  not registered")
		return nil
	}
	fmt.Fprintf(w, "Station:  %s (id %d)\n", sess.Station.Name, sess.Station.ID)

	if !o.session.Restore() {
		fmt.Fprintln(w, "Backend:  not logged in")
		return nil
	}
	status, err := o.authed.StationStatus(ctx, sess.Station.ID)
	if err != nil {
		log.Debug("station status failed", logger.Err(err))
		fmt.Fprintf(w, "Backend:  unreachable (%v)\n", err)
		return nil
	}
	online := "offline"
	if status.IsOnline {
		online = "online"
	}
	fmt.Fprintf(w, "Backend:  %s, %d pending jobs\n", online, status.PendingJobs)
	return nil
}
