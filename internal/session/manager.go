// Package session owns the user bearer token: it renews it ahead of expiry,
// falls back to re-authentication with stored credentials, and signs every
// authenticated backend request.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/retry"
	"github.com/orrn/printstation/internal/store"
)

var (
	ErrNoCredentials   = errors.New("no stored credentials for re-authentication")
	ErrReauthExhausted = errors.New("re-authentication attempts exhausted")
)

// Authenticator is the subset of the backend client used to obtain tokens.
type Authenticator interface {
	Login(ctx context.Context, creds models.Credentials) (string, error)
	RefreshToken(ctx context.Context, token string) (string, error)
}

type Config struct {
	RenewBefore     time.Duration
	ReauthAttempts  int
	ReauthBaseDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.RenewBefore <= 0 {
		c.RenewBefore = 5 * time.Minute
	}
	if c.ReauthAttempts <= 0 {
		c.ReauthAttempts = 5
	}
	if c.ReauthBaseDelay <= 0 {
		c.ReauthBaseDelay = time.Second
	}
}

type Manager struct {
	cfg       Config
	auth      Authenticator
	transport backend.Doer
	store     *store.Store
	log       logger.Logger
	clock     clockwork.Clock

	renewals singleflight.Group

	mu      sync.Mutex
	token   string
	expiry  time.Time
	renewAt time.Time
	timer   clockwork.Timer

	terminalMu sync.Mutex
	terminal   []func(error)

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a manager. transport carries the signed requests and must not
// itself authenticate (use backend.Client.HTTPDoer).
func New(cfg Config, auth Authenticator, transport backend.Doer, st *store.Store, log logger.Logger, clock clockwork.Clock) *Manager {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		auth:      auth,
		transport: transport,
		store:     st,
		log:       log,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Init adopts token and schedules its renewal RenewBefore ahead of the exp
// claim, or right away when that point has already passed.
func (m *Manager) Init(token string) {
	m.adopt(token)
}

// Restore initialises from the persisted token, if any.
func (m *Manager) Restore() bool {
	token := m.store.Token()
	if token == "" {
		return false
	}
	m.adopt(token)
	return true
}

func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Expiry is the decoded exp claim of the current token; zero when unknown.
func (m *Manager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiry
}

// NextRenewal reports when the scheduled renewal fires.
func (m *Manager) NextRenewal() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewAt, m.timer != nil
}

// OnTerminal registers fn to be told when renewal fails for good. fn runs on
// the renewing goroutine and must not call Renew.
func (m *Manager) OnTerminal(fn func(error)) {
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	m.terminal = append(m.terminal, fn)
}

// Login authenticates with creds. When remember is set the credentials are
// stored sealed so the session can be recovered unattended.
func (m *Manager) Login(ctx context.Context, creds models.Credentials, remember bool) (string, error) {
	token, err := m.auth.Login(ctx, creds)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if remember {
		m.store.SaveCredentials(creds)
	}
	m.adopt(token)
	m.log.Info("logged in", logger.String("username", creds.Username), logger.Bool("remembered", remember))
	return token, nil
}

// Logout forgets the token and any stored credentials.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.token = ""
	m.expiry = time.Time{}
	m.mu.Unlock()

	m.store.ClearToken()
	m.store.ClearCredentials()
	m.log.Info("logged out")
}

// Stop cancels the renewal timer and any renewal in progress.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
}

// Renew obtains a fresh token. Concurrent callers share one renewal and all
// receive its result.
func (m *Manager) Renew(ctx context.Context) (string, error) {
	ch := m.renewals.DoChan("renew", func() (any, error) {
		return m.renew(m.ctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) renew(ctx context.Context) (string, error) {
	if current := m.Token(); current != "" {
		token, err := m.auth.RefreshToken(ctx, current)
		if err == nil {
			m.adopt(token)
			m.log.Debug("token refreshed")
			return token, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.log.Warn("token refresh failed, re-authenticating", logger.Err(err))
	}

	creds, ok := m.store.Credentials()
	if !ok {
		m.fail(ErrNoCredentials)
		return "", ErrNoCredentials
	}

	delays := retry.Exponential(m.cfg.ReauthBaseDelay, 0)
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ReauthAttempts; attempt++ {
		token, err := m.auth.Login(ctx, creds)
		if err == nil {
			m.adopt(token)
			m.log.Info("re-authenticated", logger.Int("attempt", attempt))
			return token, nil
		}
		lastErr = err
		m.log.Warn("re-authentication failed", logger.Int("attempt", attempt), logger.Err(err))

		if attempt == m.cfg.ReauthAttempts {
			break
		}
		if err := retry.Wait(ctx, m.clock, delays.NextBackOff()); err != nil {
			return "", err
		}
	}

	err := fmt.Errorf("%w after %d attempts: %v", ErrReauthExhausted, m.cfg.ReauthAttempts, lastErr)
	m.fail(err)
	return "", err
}

func (m *Manager) fail(err error) {
	m.log.Error("session cannot be renewed", logger.Err(err))

	m.terminalMu.Lock()
	fns := append(([]func(error))(nil), m.terminal...)
	m.terminalMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("terminal listener panicked", logger.Any("panic", r))
				}
			}()
			fn(err)
		}()
	}
}

func (m *Manager) adopt(token string) {
	m.store.SaveToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = token
	m.stopTimerLocked()

	expiry, err := tokenExpiry(token)
	if err != nil {
		m.expiry = time.Time{}
		m.log.Warn("token expiry unreadable, renewing on rejection only", logger.Err(err))
		return
	}
	m.expiry = expiry

	now := m.clock.Now()
	delay := expiry.Add(-m.cfg.RenewBefore).Sub(now)
	if delay < 0 {
		delay = 0
	}
	m.renewAt = now.Add(delay)

	if delay == 0 {
		go m.renewScheduled()
		return
	}
	m.timer = m.clock.AfterFunc(delay, m.renewScheduled)
	m.log.Debug("token renewal scheduled", logger.Time("at", m.renewAt), logger.Time("expiry", expiry))
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) renewScheduled() {
	if m.ctx.Err() != nil {
		return
	}
	if _, err := m.Renew(m.ctx); err != nil && m.ctx.Err() == nil {
		m.log.Warn("scheduled token renewal failed", logger.Err(err))
	}
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server remains the authority on validity.
func tokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// Do sends req with the bearer token. A 401 triggers one renewal and exactly
// one retry with the new token; any other outcome is returned untouched.
func (m *Manager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := m.transport.Do(ctx, m.sign(req, m.Token()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	token, renewErr := m.Renew(ctx)
	if renewErr != nil {
		return resp, nil
	}

	retryReq, err := rewind(ctx, req)
	if err != nil {
		return resp, nil
	}
	resp.Body.Close()

	m.log.Debug("retrying after renewal", logger.String("method", req.Method), logger.String("path", req.URL.Path))
	return m.transport.Do(ctx, m.sign(retryReq, token))
}

func (m *Manager) sign(req *http.Request, token string) *http.Request {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}
