package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printstation/internal/models"
)

func (c *Client) Settings(ctx context.Context) (*models.UserSettings, error) {
	var settings models.UserSettings
	if err := c.call(ctx, http.MethodGet, "/settings", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SettingsUpdate carries only the fields being changed.
type SettingsUpdate struct {
	AutoPrintEnabled *bool               `json:"auto_print_enabled,omitempty"`
	PrintOrientation *models.Orientation `json:"print_orientation,omitempty"`
	PrintCopies      *int                `json:"print_copies,omitempty"`
	DefaultStationID *int64              `json:"default_station_id,omitempty"`
	AutoProcessFiles *bool               `json:"auto_process_files,omitempty"`
}

func (c *Client) UpdateSettings(ctx context.Context, update SettingsUpdate) (*models.UserSettings, error) {
	var resp struct {
		Message  string              `json:"message"`
		Settings models.UserSettings `json:"settings"`
	}
	if err := c.call(ctx, http.MethodPut, "/settings", update, &resp); err != nil {
		return nil, err
	}
	return &resp.Settings, nil
}

// SettingsOperation describes UpdateSettings as a deferrable operation.
func SettingsOperation(update SettingsUpdate) models.Operation {
	body, _ := json.Marshal(update)
	return models.Operation{
		ID:       uuid.NewString(),
		Kind:     models.OperationSettings,
		Method:   http.MethodPut,
		Path:     "/settings",
		Body:     body,
		QueuedAt: time.Now(),
	}
}
