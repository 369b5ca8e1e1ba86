package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/webhook"
)

type WebhookSender interface {
	Endpoints() []webhook.Endpoint
	Test(ctx context.Context, name string) error
}

type WebhookResponse struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

type WebhookHandler struct {
	sender WebhookSender
}

func NewWebhookHandler(sender WebhookSender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	responses := make([]WebhookResponse, 0, len(endpoints))
	for _, e := range endpoints {
		responses = append(responses, webhookToResponse(e))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	name := c.Param("name")
	if err := h.sender.Test(c.Request.Context(), name); err != nil {
		if errors.Is(err, webhook.ErrUnknownEndpoint) {
			abort(c, http.StatusNotFound, "not_found", "Webhook not found")
			return
		}
		_ = c.Error(err)
		abort(c, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

func webhookToResponse(e webhook.Endpoint) WebhookResponse {
	resp := WebhookResponse{
		Name:      e.Name,
		URL:       e.URL,
		Events:    make([]string, 0, len(e.Events)),
		HasSecret: e.Secret != "",
	}
	for _, t := range e.Events {
		resp.Events = append(resp.Events, string(t))
	}
	return resp
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:name/test", h.TestWebhook)
}
