package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/models"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	LoggedIn   bool      `json:"logged_in"`
	Remembered bool      `json:"remembered"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

type SessionHandler struct {
	session SessionManager
	mode    func() models.DeviceMode
}

func NewSessionHandler(session SessionManager, mode func() models.DeviceMode) *SessionHandler {
	return &SessionHandler{session: session, mode: mode}
}

// Login authenticates against the backend. Credentials are kept only on
// devices that execute jobs, which must recover their session unattended.
func (h *SessionHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	remember := h.mode().ExecutesJobs()
	creds := models.Credentials{Username: req.Username, Password: req.Password}
	if _, err := h.session.Login(c.Request.Context(), creds, remember); err != nil {
		backendError(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		LoggedIn:   true,
		Remembered: remember,
		ExpiresAt:  h.session.Expiry(),
	})
}

func (h *SessionHandler) Logout(c *gin.Context) {
	h.session.Logout()
	c.JSON(http.StatusOK, gin.H{"logged_in": false})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, LoginResponse{
		LoggedIn:  h.session.Token() != "",
		ExpiresAt: h.session.Expiry(),
	})
}

func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/login", h.Login)
	r.POST("/logout", h.Logout)
	r.GET("/session", h.GetSession)
}
