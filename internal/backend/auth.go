package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/orrn/printstation/internal/models"
)

type tokenResponse struct {
	Token    string `json:"token"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

var errEmptyToken = errors.New("server returned an empty token")

// Login exchanges credentials for a bearer token. It never goes through the
// authenticated transport.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/login", creds)
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := c.send(ctx, c.HTTPDoer(), req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errEmptyToken
	}
	return resp.Token, nil
}

// RefreshToken trades a still-valid token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/refresh-token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var resp tokenResponse
	if err := c.send(ctx, c.HTTPDoer(), req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errEmptyToken
	}
	return resp.Token, nil
}

// Health is the unauthenticated liveness probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	return c.send(ctx, c.HTTPDoer(), req, nil)
}
