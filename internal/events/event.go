package events

import "time"

type Type string

const (
	TypeConnectionChanged Type = "connection.changed"
	TypeStationChanged    Type = "station.changed"
	TypeSessionTerminal   Type = "session.terminal"
	TypeJobStarted        Type = "job.started"
	TypeJobRetrying       Type = "job.retrying"
	TypeJobCompleted      Type = "job.completed"
	TypeJobFailed         Type = "job.failed"
	TypeEngineChanged     Type = "engine.changed"
	TypePrinterChanged    Type = "printer.changed"
	TypeAutoPrintQueued   Type = "autoprint.queued"
)

type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Bus interface {
	Publish(t Type, payload any)
	Subscribe() (<-chan Event, func())
}
