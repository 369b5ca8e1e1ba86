// Package models holds the types shared between the backend client, the
// local state store and the print station components.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusPrinting  JobStatus = "printing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// Timestamp accepts both RFC 3339 and the zone-less ISO layout the backend emits.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if raw == "" {
		return nil
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

type Job struct {
	ID          int64      `json:"id"`
	FileID      int64      `json:"file_id"`
	Filename    string     `json:"filename"`
	StationID   *int64     `json:"station_id"`
	StationName string     `json:"station_name,omitempty"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *Timestamp `json:"created_at,omitempty"`
	PrintedAt   *Timestamp `json:"printed_at,omitempty"`
}

type PrintSettings struct {
	Orientation Orientation `json:"orientation"`
	Copies      int         `json:"copies"`
}

func DefaultPrintSettings() PrintSettings {
	return PrintSettings{Orientation: OrientationPortrait, Copies: 1}
}

// Normalize clamps copies to 1..10 and falls back to portrait.
func (p PrintSettings) Normalize() PrintSettings {
	if p.Orientation != OrientationLandscape {
		p.Orientation = OrientationPortrait
	}
	if p.Copies < 1 {
		p.Copies = 1
	}
	if p.Copies > 10 {
		p.Copies = 10
	}
	return p
}

// NextJob is the reply of the next-job endpoint. Job is nil when the queue is empty.
type NextJob struct {
	Job      *Job           `json:"print_job"`
	Settings *PrintSettings `json:"settings"`
	Message  string         `json:"message,omitempty"`
}

type Station struct {
	ID            int64           `json:"id"`
	Name          string          `json:"station_name"`
	Location      string          `json:"station_location"`
	Status        string          `json:"status"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	IsActive      bool            `json:"is_active"`
	LastHeartbeat *Timestamp      `json:"last_heartbeat,omitempty"`
	CreatedAt     *Timestamp      `json:"created_at,omitempty"`
	UpdatedAt     *Timestamp      `json:"updated_at,omitempty"`
}

// StationSession is the persisted station identity. SessionToken is what
// heartbeat and reconnect present; it is distinct from the user bearer token.
type StationSession struct {
	Station      Station `json:"station"`
	SessionToken string  `json:"session_token"`
	StationToken string  `json:"station_token,omitempty"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperationKind string

const (
	OperationJobStatus   OperationKind = "job_status"
	OperationEnqueueFile OperationKind = "enqueue_file"
	OperationSettings    OperationKind = "settings"
)

// Operation is a side-effecting request deferred while the backend is unreachable.
type Operation struct {
	ID       string          `json:"id"`
	Kind     OperationKind   `json:"kind"`
	Method   string          `json:"method"`
	Path     string          `json:"path"`
	Body     json.RawMessage `json:"body,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// FailedJob records a job whose print attempts were exhausted. The payload is
// kept so a replay does not need to re-fetch it.
type FailedJob struct {
	JobID      int64         `json:"job_id"`
	Job        Job           `json:"job"`
	Settings   PrintSettings `json:"settings"`
	Error      string        `json:"error"`
	RetryCount int           `json:"retry_count"`
	FailedAt   time.Time     `json:"failed_at"`
}

type ConnectionStatus string

const (
	ConnectionOffline      ConnectionStatus = "offline"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnected    ConnectionStatus = "connected"
)

type ConnectionSnapshot struct {
	Status              ConnectionStatus `json:"status"`
	NetworkUp           bool             `json:"network_up"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastProbeAt         time.Time        `json:"last_probe_at"`
	LastConnectedAt     time.Time        `json:"last_connected_at,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
}

type UserSettings struct {
	MaxFileSizeMB    int         `json:"max_file_size_mb"`
	AutoProcessFiles bool        `json:"auto_process_files"`
	AutoPrintEnabled bool        `json:"auto_print_enabled"`
	PrintOrientation Orientation `json:"print_orientation"`
	PrintCopies      int         `json:"print_copies"`
	DefaultStationID *int64      `json:"default_station_id"`
	LastPrintCheck   *Timestamp  `json:"last_print_check,omitempty"`
	UpdatedAt        *Timestamp  `json:"updated_at,omitempty"`
}

type File struct {
	ID          int64      `json:"id"`
	Filename    string     `json:"filename"`
	Size        int64      `json:"size"`
	Status      string     `json:"status"`
	UploadedAt  *Timestamp `json:"uploaded_at,omitempty"`
	ProcessedAt *Timestamp `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

const FileStatusCompleted = "completed"

type DeviceMode string

const (
	DeviceModeSender  DeviceMode = "sender"
	DeviceModeStation DeviceMode = "station"
	DeviceModeHybrid  DeviceMode = "hybrid"
)

func ParseDeviceMode(s string) (DeviceMode, error) {
	switch m := DeviceMode(s); m {
	case DeviceModeSender, DeviceModeStation, DeviceModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unknown device mode %q", s)
	}
}

// ExecutesJobs reports whether the device prints jobs routed to it.
func (m DeviceMode) ExecutesJobs() bool {
	return m == DeviceModeStation || m == DeviceModeHybrid
}

// SendsFiles reports whether the device submits its own uploads for printing.
func (m DeviceMode) SendsFiles() bool {
	return m == DeviceModeSender || m == DeviceModeHybrid
}
