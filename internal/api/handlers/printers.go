package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/core"
)

type PrinterHandler struct {
	printers Printers
}

func NewPrinterHandler(printers Printers) *PrinterHandler {
	return &PrinterHandler{printers: printers}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers, err := h.printers.ListPrinters(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "printer_error", "Failed to list printers")
		return
	}
	if printers == nil {
		printers = []core.PrinterInfo{}
	}
	c.JSON(http.StatusOK, printers)
}

// GetPrinterStatus queries the configured printer, or the system default.
func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	status, err := h.printers.CheckStatus(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, core.ErrPrinterNotFound):
			abort(c, http.StatusNotFound, "not_found", "Printer not found")
		case errors.Is(err, core.ErrNoDefaultPrinter):
			abort(c, http.StatusNotFound, "no_printer", "No printer configured and no system default")
		default:
			_ = c.Error(err)
			abort(c, http.StatusInternalServerError, "printer_error", "Failed to query the printer")
		}
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.GET("/printers/status", h.GetPrinterStatus)
}
