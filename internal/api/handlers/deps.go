package handlers

import (
	"context"
	"time"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/station"
)

type StationController interface {
	Status() station.Status
	Session() (models.StationSession, bool)
	Register(ctx context.Context, req backend.RegisterRequest) (*models.StationSession, error)
	Unregister(ctx context.Context) error
}

type ConnectionMonitor interface {
	IsConnected() bool
	Snapshot() models.ConnectionSnapshot
	Probe(ctx context.Context) models.ConnectionStatus
	QueueOperation(op models.Operation)
}

type PrintEngine interface {
	Snapshot() core.Snapshot
	CachedJobs() ([]models.Job, bool)
	RetryFailed(jobID int64) error
}

type Printers interface {
	ListPrinters(ctx context.Context) ([]core.PrinterInfo, error)
	CheckStatus(ctx context.Context) (*core.PrinterStatus, error)
}

type SessionManager interface {
	Login(ctx context.Context, creds models.Credentials, remember bool) (string, error)
	Logout()
	Token() string
	Expiry() time.Time
}

type SettingsBackend interface {
	Settings(ctx context.Context) (*models.UserSettings, error)
	UpdateSettings(ctx context.Context, update backend.SettingsUpdate) (*models.UserSettings, error)
}

type HistoryBackend interface {
	StationHistory(ctx context.Context, stationID int64, limit, offset int) (*backend.StationHistory, error)
}

type PrintLogReader interface {
	Recent(ctx context.Context, limit int) ([]*db.PrintLogEntry, error)
}
