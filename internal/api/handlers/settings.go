package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/store"
)

type UpdateSettingsRequest struct {
	AutoPrintEnabled *bool               `json:"auto_print_enabled"`
	AutoProcessFiles *bool               `json:"auto_process_files"`
	PrintOrientation *models.Orientation `json:"print_orientation" binding:"omitempty,oneof=portrait landscape"`
	PrintCopies      *int                `json:"print_copies" binding:"omitempty,min=1,max=10"`
	DefaultStationID *int64              `json:"default_station_id" binding:"omitempty,min=1"`
}

type DeviceRequest struct {
	Mode             string `json:"mode" binding:"omitempty,oneof=sender station hybrid"`
	DefaultStationID *int64 `json:"default_station_id" binding:"omitempty,min=0"`
}

type DeviceResponse struct {
	Mode             models.DeviceMode `json:"mode"`
	DefaultStationID *int64            `json:"default_station_id"`
}

type SettingsHandler struct {
	settings SettingsBackend
	conn     ConnectionMonitor
	store    *store.Store
	log      logger.Logger
}

func NewSettingsHandler(settings SettingsBackend, conn ConnectionMonitor, st *store.Store, log logger.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		conn:     conn,
		store:    st,
		log:      log,
	}
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	if !h.conn.IsConnected() {
		abort(c, http.StatusServiceUnavailable, "disconnected", "Backend is not connected")
		return
	}

	settings, err := h.settings.Settings(c.Request.Context())
	if err != nil {
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// UpdateSettings forwards the change to the backend. While disconnected, or
// when the backend fails transiently, the change is queued for replay and
// the request is accepted.
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	update := backend.SettingsUpdate{
		AutoPrintEnabled: req.AutoPrintEnabled,
		AutoProcessFiles: req.AutoProcessFiles,
		PrintOrientation: req.PrintOrientation,
		PrintCopies:      req.PrintCopies,
		DefaultStationID: req.DefaultStationID,
	}

	if !h.conn.IsConnected() {
		h.queue(c, update)
		return
	}

	settings, err := h.settings.UpdateSettings(c.Request.Context(), update)
	if err != nil {
		if backend.IsTransient(err) {
			h.log.Warn("settings update deferred", logger.Err(err))
			h.queue(c, update)
			return
		}
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *SettingsHandler) queue(c *gin.Context, update backend.SettingsUpdate) {
	op := backend.SettingsOperation(update)
	h.conn.QueueOperation(op)
	c.JSON(http.StatusAccepted, gin.H{
		"queued":       true,
		"operation_id": op.ID,
	})
}

func (h *SettingsHandler) device() DeviceResponse {
	resp := DeviceResponse{Mode: h.store.DeviceMode()}
	if id, ok := h.store.DefaultStation(); ok {
		resp.DefaultStationID = &id
	}
	return resp
}

func (h *SettingsHandler) GetDevice(c *gin.Context) {
	c.JSON(http.StatusOK, h.device())
}

// UpdateDevice changes local device settings. A default station id of 0
// clears the selection.
func (h *SettingsHandler) UpdateDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.Mode != "" {
		mode, err := models.ParseDeviceMode(req.Mode)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.store.SaveDeviceMode(mode)
		h.log.Info("device mode changed", logger.String("mode", string(mode)))
	}
	if req.DefaultStationID != nil {
		h.store.SaveDefaultStation(*req.DefaultStationID)
	}

	c.JSON(http.StatusOK, h.device())
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
	r.GET("/device", h.GetDevice)
	r.PUT("/device", h.UpdateDevice)
}
