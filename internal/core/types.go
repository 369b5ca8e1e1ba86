package core

import (
	"context"
	"io"
	"time"

	"github.com/orrn/printstation/internal/connectivity"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/runmode"
)

// Connectivity is what the engine needs from the connectivity monitor.
type Connectivity interface {
	IsConnected() bool
	On(event connectivity.Event, fn func()) connectivity.ListenerID
	Off(id connectivity.ListenerID) bool
	QueueOperation(op models.Operation)
}

// JobSource is the authenticated slice of the backend client the engine
// drives.
type JobSource interface {
	NextJob(ctx context.Context, stationID int64) (*models.NextJob, error)
	UpdateJobStatus(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error
	DownloadFile(ctx context.Context, fileID int64, w io.Writer) (int64, error)
	ListQueue(ctx context.Context) ([]models.Job, error)
}

// Printer hands a local document to the operating system print pipeline.
type Printer interface {
	Print(ctx context.Context, req PrintRequest) error
}

type ModeDetector interface {
	Mode() runmode.Mode
}

type PrintLog interface {
	Record(ctx context.Context, e *db.PrintLogEntry) error
}

type PrintRequest struct {
	Path        string
	Title       string
	Copies      int
	Orientation models.Orientation
}

type PrinterInfo struct {
	Name      string `json:"name"`
	Default   bool   `json:"default"`
	Accepting bool   `json:"accepting"`
}

type PrinterStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Enabled     bool      `json:"enabled"`
	CanPrint    bool      `json:"can_print"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

type PrinterStatusChange struct {
	PrinterName string         `json:"printer_name"`
	OldState    string         `json:"old_state"`
	NewState    string         `json:"new_state"`
	Details     *PrinterStatus `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type State string

const (
	StateStopped  State = "stopped"
	StateIdle     State = "idle"
	StatePrinting State = "printing"
)

type Snapshot struct {
	State      State       `json:"state"`
	Paused     bool        `json:"paused"`
	StationID  *int64      `json:"station_id,omitempty"`
	CurrentJob *models.Job `json:"current_job,omitempty"`
	Scheduled  []int64     `json:"scheduled"`
	LastPollAt time.Time   `json:"last_poll_at,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	FailedJobs int         `json:"failed_jobs"`
}

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	JobID    int64  `json:"job_id"`
	Filename string `json:"filename"`
	Attempt  int    `json:"attempt,omitempty"`
	Error    string `json:"error,omitempty"`
}
