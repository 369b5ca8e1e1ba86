package core

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/store"
)

// FileSource is the slice of the backend client auto-print uses.
type FileSource interface {
	Settings(ctx context.Context) (*models.UserSettings, error)
	ListFiles(ctx context.Context, limit int) (*backend.FileList, error)
	AddToQueue(ctx context.Context, fileID int64, stationID *int64) (*models.Job, error)
}

type AutoPrintConfig struct {
	Interval time.Duration
	Files    int
}

// AutoPrinter sends this device's newly processed uploads to the default
// station. It only acts when the device mode sends files and the user
// enabled auto-print.
type AutoPrinter struct {
	cfg   AutoPrintConfig
	conn  Connectivity
	files FileSource
	store *store.Store
	bus   events.Bus
	log   logger.Logger
	clock clockwork.Clock
}

func NewAutoPrinter(cfg AutoPrintConfig, conn Connectivity, files FileSource, st *store.Store, bus events.Bus, log logger.Logger, clock clockwork.Clock) *AutoPrinter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Files <= 0 {
		cfg.Files = 10
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AutoPrinter{cfg: cfg, conn: conn, files: files, store: st, bus: bus, log: log, clock: clock}
}

func (a *AutoPrinter) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (a *AutoPrinter) check(ctx context.Context) {
	if _, err := a.CheckOnce(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("auto-print check failed", logger.Err(err))
	}
}

// CheckOnce queues every completed upload not yet seen and returns how many
// were queued. The first check on a device only records the existing files,
// so enabling auto-print never reprints history.
func (a *AutoPrinter) CheckOnce(ctx context.Context) (int, error) {
	if !a.store.DeviceMode().SendsFiles() || !a.conn.IsConnected() {
		return 0, nil
	}

	settings, err := a.files.Settings(ctx)
	if err != nil {
		return 0, err
	}
	if !settings.AutoPrintEnabled {
		return 0, nil
	}

	stationID := settings.DefaultStationID
	if id, ok := a.store.DefaultStation(); ok {
		stationID = &id
	}

	list, err := a.files.ListFiles(ctx, a.cfg.Files)
	if err != nil {
		return 0, err
	}

	baseline := !a.store.AutoPrintBaselined()

	queued := 0
	// The list is newest first; queue oldest first.
	for i := len(list.Files) - 1; i >= 0; i-- {
		f := list.Files[i]
		if f.Status != models.FileStatusCompleted || a.store.IsFileProcessed(f.ID) {
			continue
		}
		if baseline {
			a.store.MarkFileProcessed(f.ID)
			continue
		}

		if a.enqueue(ctx, f, stationID) {
			queued++
		}
	}

	if baseline {
		a.store.MarkAutoPrintBaselined()
		a.log.Info("auto-print baseline recorded", logger.Int("files", len(list.Files)))
	}
	return queued, nil
}

func (a *AutoPrinter) enqueue(ctx context.Context, f models.File, stationID *int64) bool {
	log := a.log.With(logger.Int64("file_id", f.ID), logger.String("filename", f.Filename))

	_, err := a.files.AddToQueue(ctx, f.ID, stationID)
	switch {
	case err == nil, errors.Is(err, backend.ErrConflict):
	case backend.IsTransient(err):
		log.Warn("enqueue deferred", logger.Err(err))
		a.conn.QueueOperation(backend.EnqueueFileOperation(f.ID, stationID))
	case ctx.Err() != nil:
		return false
	default:
		log.Error("enqueue rejected", logger.Err(err))
		a.store.MarkFileProcessed(f.ID)
		return false
	}

	a.store.MarkFileProcessed(f.ID)
	log.Info("file queued for printing", logger.Any("station_id", stationID))
	a.bus.Publish(events.TypeAutoPrintQueued, map[string]any{
		"file_id":    f.ID,
		"filename":   f.Filename,
		"station_id": stationID,
	})
	return true
}
