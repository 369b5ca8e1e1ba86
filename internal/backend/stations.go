package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/orrn/printstation/internal/models"
)

type RegisterRequest struct {
	Name         string          `json:"station_name"`
	Location     string          `json:"station_location"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

func (c *Client) RegisterStation(ctx context.Context, reg RegisterRequest) (*models.StationSession, error) {
	var session models.StationSession
	if err := c.call(ctx, http.MethodPost, "/stations/register", reg, &session); err != nil {
		return nil, err
	}
	if session.SessionToken == "" {
		return nil, fmt.Errorf("register station: %w", errEmptyToken)
	}
	return &session, nil
}

type heartbeatRequest struct {
	SessionToken string `json:"session_token"`
	Status       string `json:"status"`
}

// Heartbeat reports liveness. A 401 means the station session was invalidated.
func (c *Client) Heartbeat(ctx context.Context, stationID int64, sessionToken, status string) error {
	path := fmt.Sprintf("/stations/%d/heartbeat", stationID)
	return c.call(ctx, http.MethodPut, path, heartbeatRequest{SessionToken: sessionToken, Status: status}, nil)
}

type reconnectRequest struct {
	SessionToken string `json:"session_token"`
}

// ReconnectStation swaps the previous station session token for a new one.
func (c *Client) ReconnectStation(ctx context.Context, stationID int64, sessionToken string) (*models.StationSession, error) {
	var session models.StationSession
	path := fmt.Sprintf("/stations/%d/reconnect", stationID)
	if err := c.call(ctx, http.MethodPost, path, reconnectRequest{SessionToken: sessionToken}, &session); err != nil {
		return nil, err
	}
	if session.SessionToken == "" {
		return nil, fmt.Errorf("reconnect station: %w", errEmptyToken)
	}
	return &session, nil
}

func (c *Client) UnregisterStation(ctx context.Context, stationID int64) error {
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/stations/%d", stationID), nil, nil)
}

type StationStatus struct {
	Station     models.Station `json:"station"`
	PendingJobs int            `json:"pending_jobs"`
	IsOnline    bool           `json:"is_online"`
}

func (c *Client) StationStatus(ctx context.Context, stationID int64) (*StationStatus, error) {
	var status StationStatus
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/stations/%d/status", stationID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type StationHistory struct {
	Station    models.Station `json:"station"`
	History    []models.Job   `json:"history"`
	Stats      map[string]int `json:"stats"`
	Pagination Pagination     `json:"pagination"`
}

// StationHistory lists the station's completed and failed jobs, newest first.
func (c *Client) StationHistory(ctx context.Context, stationID int64, limit, offset int) (*StationHistory, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	var history StationHistory
	path := withQuery(fmt.Sprintf("/print-queue/station/%d/history", stationID), params)
	if err := c.call(ctx, http.MethodGet, path, nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}
