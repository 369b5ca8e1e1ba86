package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/config"
	"github.com/orrn/printstation/internal/station"
)

type RegisterStationRequest struct {
	Name         string            `json:"name"`
	Location     string            `json:"location"`
	Capabilities map[string]string `json:"capabilities"`
}

type StationHandler struct {
	station StationController
	history HistoryBackend
	config  config.StationConfig
}

func NewStationHandler(ctrl StationController, history HistoryBackend, cfg config.StationConfig) *StationHandler {
	return &StationHandler{
		station: ctrl,
		history: history,
		config:  cfg,
	}
}

// RegisterStation registers this device, filling omitted fields from the
// station section of the configuration.
func (h *StationHandler) RegisterStation(c *gin.Context) {
	var req RegisterStationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	if req.Name == "" {
		req.Name = h.config.Name
	}
	if req.Location == "" {
		req.Location = h.config.Location
	}
	if req.Capabilities == nil {
		req.Capabilities = h.config.Capabilities
	}
	if req.Name == "" {
		abort(c, http.StatusBadRequest, "invalid_request", "Station name is required")
		return
	}

	reg := backend.RegisterRequest{Name: req.Name, Location: req.Location}
	if len(req.Capabilities) > 0 {
		raw, err := json.Marshal(req.Capabilities)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		reg.Capabilities = raw
	}

	sess, err := h.station.Register(c.Request.Context(), reg)
	if err != nil {
		if errors.Is(err, station.ErrAlreadyRegistered) || errors.Is(err, station.ErrRegistrationPending) {
			abort(c, http.StatusConflict, "conflict", err.Error())
			return
		}
		backendError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"station": sess.Station,
		"status":  h.station.Status(),
	})
}

func (h *StationHandler) UnregisterStation(c *gin.Context) {
	if err := h.station.Unregister(c.Request.Context()); err != nil {
		if errors.Is(err, station.ErrNotRegistered) {
			abort(c, http.StatusNotFound, "not_registered", err.Error())
			return
		}
		abort(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.station.Status())
}

func (h *StationHandler) GetStation(c *gin.Context) {
	c.JSON(http.StatusOK, h.station.Status())
}

func (h *StationHandler) GetHistory(c *gin.Context) {
	sess, ok := h.station.Session()
	if !ok {
		abort(c, http.StatusNotFound, "not_registered", station.ErrNotRegistered.Error())
		return
	}

	limit, ok := queryInt(c, "limit", 50, 100)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0)
	if !ok {
		return
	}

	history, err := h.history.StationHistory(c.Request.Context(), sess.Station.ID, limit, offset)
	if err != nil {
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *StationHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/station", h.GetStation)
	r.POST("/station/register", h.RegisterStation)
	r.DELETE("/station", h.UnregisterStation)
	r.GET("/station/history", h.GetHistory)
}
