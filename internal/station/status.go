package station

import (
	"time"

	"github.com/orrn/printstation/internal/models"
)

type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Health qualifies StateActive from the last heartbeat.
type Health string

const (
	HealthOnline Health = "online"
	HealthError  Health = "error"
)

// Indicator is the single status shown to the user.
type Indicator string

const (
	IndicatorOffline      Indicator = "offline"
	IndicatorDisconnected Indicator = "disconnected"
	IndicatorReconnecting Indicator = "reconnecting"
	IndicatorOnline       Indicator = "online"
	IndicatorError        Indicator = "error"
)

type Status struct {
	State            State                   `json:"state"`
	Health           Health                  `json:"health,omitempty"`
	Indicator        Indicator               `json:"indicator"`
	Connection       models.ConnectionStatus `json:"connection"`
	Station          *models.Station         `json:"station,omitempty"`
	Reason           string                  `json:"reason,omitempty"`
	LastHeartbeatAt  time.Time               `json:"last_heartbeat_at,omitempty"`
	ReconnectAttempt int                     `json:"reconnect_attempt,omitempty"`
}

func indicatorFor(conn models.ConnectionStatus, state State, health Health) Indicator {
	switch {
	case conn == models.ConnectionOffline:
		return IndicatorOffline
	case state == StateReconnecting:
		return IndicatorReconnecting
	case state == StateFailed:
		return IndicatorError
	case conn == models.ConnectionDisconnected:
		return IndicatorDisconnected
	case state == StateActive && health == HealthError:
		return IndicatorError
	}
	return IndicatorOnline
}
