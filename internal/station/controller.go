// Package station owns the station registration lifecycle: registration,
// heartbeat, reconnection of an invalidated station session and teardown.
package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/connectivity"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/retry"
	"github.com/orrn/printstation/internal/store"
)

var (
	ErrNotRegistered       = errors.New("station is not registered")
	ErrAlreadyRegistered   = errors.New("station is already registered")
	ErrRegistrationPending = errors.New("station registration in progress")
	ErrReconnectExhausted  = errors.New("station reconnection failed")
)

const heartbeatStatus = "online"

type Backend interface {
	RegisterStation(ctx context.Context, reg backend.RegisterRequest) (*models.StationSession, error)
	Heartbeat(ctx context.Context, stationID int64, sessionToken, status string) error
	ReconnectStation(ctx context.Context, stationID int64, sessionToken string) (*models.StationSession, error)
	UnregisterStation(ctx context.Context, stationID int64) error
}

type Connectivity interface {
	IsConnected() bool
	Status() models.ConnectionStatus
	On(event connectivity.Event, fn func()) connectivity.ListenerID
	Off(id connectivity.ListenerID) bool
}

// Engine is the print engine as seen by the controller.
type Engine interface {
	Start(stationID *int64) error
	Pause()
	Stop()
}

// Session is the user session torn down with the station.
type Session interface {
	Logout()
}

type Config struct {
	HeartbeatInterval  time.Duration
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
}

type Controller struct {
	cfg     Config
	api     Backend
	conn    Connectivity
	engine  Engine
	session Session
	store   *store.Store
	bus     events.Bus
	log     logger.Logger
	clock   clockwork.Clock

	mu              sync.Mutex
	state           State
	health          Health
	current         *models.StationSession
	reason          string
	lastHeartbeatAt time.Time
	attempt         int
	sawDisconnect   bool
	listenerIDs     []connectivity.ListenerID
	started         bool

	// gen identifies the current heartbeat or reconnect run; a goroutine from
	// an older run must not change state.
	gen       uint64
	cancelRun context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, api Backend, conn Connectivity, engine Engine, session Session, st *store.Store, bus events.Bus, log logger.Logger, clock clockwork.Clock) *Controller {
	cfg.setDefaults()
	if bus == nil {
		bus = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		api:     api,
		conn:    conn,
		engine:  engine,
		session: session,
		store:   st,
		bus:     bus,
		log:     log,
		clock:   clock,
		state:   StateUnregistered,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to connectivity events and restores a persisted station.
// It reports whether a station was restored.
func (c *Controller) Start() bool {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.Status().State != StateUnregistered
	}
	c.started = true
	c.mu.Unlock()

	ids := []connectivity.ListenerID{
		c.conn.On(connectivity.EventOffline, c.onDisconnected),
		c.conn.On(connectivity.EventBackendDisconnected, c.onDisconnected),
		c.conn.On(connectivity.EventBackendConnected, c.onBackendConnected),
	}
	c.mu.Lock()
	c.listenerIDs = ids
	c.mu.Unlock()

	return c.Restore()
}

// Stop halts heartbeat, reconnection and the engine. Persisted state is kept.
func (c *Controller) Stop() {
	c.mu.Lock()
	ids := c.listenerIDs
	c.listenerIDs = nil
	c.endRunLocked()
	c.mu.Unlock()

	for _, id := range ids {
		c.conn.Off(id)
	}
	c.cancel()
	c.wg.Wait()
	c.engine.Stop()
}

// Restore resumes a persisted station without registering again. When the
// backend is not reachable yet the station is validated through reconnection
// as soon as it is.
func (c *Controller) Restore() bool {
	sess, ok := c.store.StationSession()
	if !ok || sess.Station.ID == 0 || sess.SessionToken == "" {
		return false
	}

	if !c.conn.IsConnected() {
		c.mu.Lock()
		c.sawDisconnect = true
		c.mu.Unlock()
	}

	c.log.Info("station restored", logger.Int64("station_id", sess.Station.ID), logger.String("name", sess.Station.Name))
	c.activate(sess, 0)
	return true
}

func (c *Controller) Register(ctx context.Context, req backend.RegisterRequest) (*models.StationSession, error) {
	c.mu.Lock()
	switch c.state {
	case StateActive, StateReconnecting:
		c.mu.Unlock()
		return nil, ErrAlreadyRegistered
	case StateRegistering:
		c.mu.Unlock()
		return nil, ErrRegistrationPending
	}
	prev := c.state
	c.state = StateRegistering
	c.mu.Unlock()
	c.publish()

	sess, err := c.api.RegisterStation(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.state = prev
		c.mu.Unlock()
		c.publish()
		return nil, fmt.Errorf("register station: %w", err)
	}

	c.store.SaveStationSession(*sess)
	c.mu.Lock()
	c.sawDisconnect = false
	c.mu.Unlock()

	c.log.Info("station registered", logger.Int64("station_id", sess.Station.ID), logger.String("name", sess.Station.Name))
	c.activate(*sess, 0)
	return sess, nil
}

// Unregister tells the backend the station is gone, ignoring failures, then
// clears every piece of local station and user state.
func (c *Controller) Unregister(ctx context.Context) error {
	c.mu.Lock()
	current := c.current
	if current == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	c.endRunLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.engine.Stop()

	if err := c.api.UnregisterStation(ctx, current.Station.ID); err != nil {
		c.log.Warn("unregister call failed, clearing local state anyway", logger.Int64("station_id", current.Station.ID), logger.Err(err))
	}

	c.store.ClearStation()
	if c.session != nil {
		c.session.Logout()
	}

	c.mu.Lock()
	c.state = StateUnregistered
	c.health = ""
	c.current = nil
	c.reason = ""
	c.attempt = 0
	c.sawDisconnect = false
	c.lastHeartbeatAt = time.Time{}
	c.mu.Unlock()

	c.log.Info("station unregistered", logger.Int64("station_id", current.Station.ID))
	c.publish()
	return nil
}

// SessionFailed is the terminal-error listener for the user session. Without
// a station there is nothing to fail, so the reason is only reported.
func (c *Controller) SessionFailed(err error) {
	err = fmt.Errorf("session: %w", err)

	c.mu.Lock()
	if c.current == nil {
		c.reason = err.Error()
		c.mu.Unlock()
		c.log.Warn("session failed without a station", logger.Err(err))
		c.publish()
		return
	}
	c.mu.Unlock()

	c.fail(0, err)
}

// Session returns the active station session.
func (c *Controller) Session() (models.StationSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return models.StationSession{}, false
	}
	return *c.current, true
}

func (c *Controller) Status() Status {
	conn := c.conn.Status()

	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		State:            c.state,
		Health:           c.health,
		Connection:       conn,
		Reason:           c.reason,
		LastHeartbeatAt:  c.lastHeartbeatAt,
		ReconnectAttempt: c.attempt,
	}
	if c.current != nil {
		st := c.current.Station
		status.Station = &st
	}
	status.Indicator = indicatorFor(conn, c.state, c.health)
	return status
}

func (c *Controller) publish() {
	c.bus.Publish(events.TypeStationChanged, c.Status())
}

// beginRunLocked cancels the current run and starts a new one.
func (c *Controller) beginRunLocked() (context.Context, uint64) {
	c.endRunLocked()
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelRun = cancel
	return ctx, c.gen
}

func (c *Controller) endRunLocked() {
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.gen++
}

// activate enters the active state and starts heartbeat and printing. A
// non-zero from makes it a no-op unless run from is still current.
func (c *Controller) activate(sess models.StationSession, from uint64) bool {
	c.mu.Lock()
	if from != 0 && c.gen != from {
		c.mu.Unlock()
		return false
	}
	if from != 0 {
		c.sawDisconnect = false
	}
	c.current = &sess
	c.state = StateActive
	c.health = HealthOnline
	c.reason = ""
	c.attempt = 0
	ctx, gen := c.beginRunLocked()
	c.mu.Unlock()

	id := sess.Station.ID
	if err := c.engine.Start(&id); err != nil {
		c.log.Warn("print engine not started", logger.Int64("station_id", id), logger.Err(err))
	}

	c.wg.Add(1)
	go c.heartbeatLoop(ctx, gen)

	c.publish()
	return true
}

func (c *Controller) heartbeatLoop(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		c.beat(ctx, gen)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// beat sends one heartbeat. It is skipped, not failed, while the backend is
// unreachable.
func (c *Controller) beat(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateActive || c.current == nil {
		c.mu.Unlock()
		return
	}
	sess := *c.current
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		c.log.Debug("heartbeat skipped while disconnected")
		return
	}

	err := c.api.Heartbeat(ctx, sess.Station.ID, sess.SessionToken, heartbeatStatus)
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		c.setHealth(gen, HealthOnline, "")
	case errors.Is(err, backend.ErrUnauthorized):
		c.log.Warn("station session rejected, reconnecting", logger.Int64("station_id", sess.Station.ID))
		c.startReconnect(gen, "station session rejected")
	default:
		c.log.Warn("heartbeat failed", logger.Int64("station_id", sess.Station.ID), logger.Err(err))
		c.setHealth(gen, HealthError, err.Error())
	}
}

func (c *Controller) setHealth(gen uint64, health Health, reason string) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	if health == HealthOnline {
		c.lastHeartbeatAt = c.clock.Now()
	}
	changed := c.health != health || c.reason != reason
	c.health = health
	c.reason = reason
	c.mu.Unlock()

	if changed {
		c.publish()
	}
}

// startReconnect moves an active station into reconnection with its current
// session token. Polling pauses until the station is active again; a job
// already printing still finishes.
func (c *Controller) startReconnect(gen uint64, reason string) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateActive || c.current == nil {
		c.mu.Unlock()
		return
	}
	prev := *c.current
	c.state = StateReconnecting
	c.reason = reason
	c.attempt = 0
	ctx, next := c.beginRunLocked()
	c.mu.Unlock()

	c.engine.Pause()
	c.publish()

	c.wg.Add(1)
	go c.reconnectLoop(ctx, next, prev)
}

func (c *Controller) reconnectLoop(ctx context.Context, gen uint64, prev models.StationSession) {
	defer c.wg.Done()

	log := c.log.With(logger.Int64("station_id", prev.Station.ID))
	delays := retry.Exponential(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.attempt = attempt
		c.mu.Unlock()
		c.publish()

		next, err := c.api.ReconnectStation(ctx, prev.Station.ID, prev.SessionToken)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			sess := merge(prev, *next)
			c.store.SaveStationSession(sess)
			if c.activate(sess, gen) {
				log.Info("station reconnected", logger.Int("attempt", attempt))
			}
			return
		}

		lastErr = err
		log.Warn("station reconnect failed", logger.Int("attempt", attempt), logger.Err(err))
		if attempt == c.cfg.ReconnectAttempts {
			break
		}
		if retry.Wait(ctx, c.clock, delays.NextBackOff()) != nil {
			return
		}
	}

	c.fail(gen, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.cfg.ReconnectAttempts, lastErr))
}

// fail enters the terminal state. Only registering again leaves it.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != 0 && c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.health = ""
	c.reason = err.Error()
	c.endRunLocked()
	c.mu.Unlock()

	c.engine.Stop()
	c.log.Error("station failed", logger.Err(err))
	c.publish()
}

func (c *Controller) onDisconnected() {
	c.mu.Lock()
	if c.state == StateActive || c.state == StateReconnecting {
		c.sawDisconnect = true
	}
	c.mu.Unlock()
	c.publish()
}

// onBackendConnected runs inside the monitor's probe and must not block.
func (c *Controller) onBackendConnected() {
	c.mu.Lock()
	reconnect := c.sawDisconnect && c.state == StateActive
	if reconnect {
		c.sawDisconnect = false
	}
	gen := c.gen
	c.mu.Unlock()

	if reconnect {
		go c.startReconnect(gen, "backend reconnected")
	}
	c.publish()
}

// merge adopts the refreshed session, keeping fields the reply left out.
func merge(prev, next models.StationSession) models.StationSession {
	if next.Station.ID == 0 {
		next.Station = prev.Station
	}
	if next.StationToken == "" {
		next.StationToken = prev.StationToken
	}
	return next
}
