// Package connectivity tracks network reachability and backend liveness and
// defers side-effecting calls while the backend cannot be reached.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/retry"
	"github.com/orrn/printstation/internal/store"
)

type Prober interface {
	Health(ctx context.Context) error
}

type Replayer interface {
	Replay(ctx context.Context, op models.Operation) error
}

type Config struct {
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// DrainRate limits replayed operations per second; zero means unlimited.
	DrainRate float64
}

func (c *Config) setDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
}

type Monitor struct {
	cfg      Config
	prober   Prober
	replayer Replayer
	store    *store.Store
	bus      events.Bus
	log      logger.Logger
	clock    clockwork.Clock
	limiter  *rate.Limiter

	listeners listeners

	mu               sync.Mutex
	status           models.ConnectionStatus
	networkUp        bool
	failures         int
	lastError        string
	lastProbeAt      time.Time
	lastConnectedAt  time.Time
	reconnect        *backoff.ExponentialBackOff
	reconnectTimer   clockwork.Timer
	reconnectPending bool

	// probeMu serializes probes so transitions are evaluated one at a time.
	probeMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewMonitor(cfg Config, prober Prober, replayer Replayer, st *store.Store, bus events.Bus, log logger.Logger, clock clockwork.Clock) *Monitor {
	cfg.setDefaults()
	if bus == nil {
		bus = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	limit := rate.Inf
	if cfg.DrainRate > 0 {
		limit = rate.Limit(cfg.DrainRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		prober:    prober,
		replayer:  replayer,
		store:     st,
		bus:       bus,
		log:       log,
		clock:     clock,
		limiter:   rate.NewLimiter(limit, 1),
		listeners: listeners{log: log},
		status:    models.ConnectionDisconnected,
		networkUp: true,
		reconnect: retry.Exponential(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs one probe synchronously, so the status is known when it
// returns, then probes every ProbeInterval until Stop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.Probe(m.ctx)

	m.wg.Add(1)
	go m.probeLoop()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectPending = false
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.mu.Lock()
			skip := !m.networkUp || m.reconnectPending
			m.mu.Unlock()
			if !skip {
				m.Probe(m.ctx)
			}
		}
	}
}

func (m *Monitor) IsConnected() bool {
	return m.Status() == models.ConnectionConnected
}

func (m *Monitor) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) Snapshot() models.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() models.ConnectionSnapshot {
	return models.ConnectionSnapshot{
		Status:              m.status,
		NetworkUp:           m.networkUp,
		ConsecutiveFailures: m.failures,
		LastProbeAt:         m.lastProbeAt,
		LastConnectedAt:     m.lastConnectedAt,
		LastError:           m.lastError,
	}
}

func (m *Monitor) On(event Event, fn func()) ListenerID {
	return m.listeners.add(event, fn)
}

func (m *Monitor) Off(id ListenerID) bool {
	return m.listeners.remove(id)
}

// Probe checks the backend now and applies the resulting transition. It
// never returns an error: failures only show up as status and events.
func (m *Monitor) Probe(ctx context.Context) models.ConnectionStatus {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.Lock()
	up := m.networkUp
	m.mu.Unlock()
	if !up {
		return models.ConnectionOffline
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Health(probeCtx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return m.Status()
		}
		m.handleProbeFailure(err)
	} else {
		m.handleProbeSuccess()
	}
	return m.Status()
}

func (m *Monitor) handleProbeSuccess() {
	m.mu.Lock()
	if !m.networkUp {
		m.mu.Unlock()
		return
	}
	prev := m.status
	now := m.clock.Now()
	m.status = models.ConnectionConnected
	m.failures = 0
	m.lastError = ""
	m.lastProbeAt = now
	m.lastConnectedAt = now
	m.reconnect.Reset()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectPending = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if prev == models.ConnectionConnected {
		m.store.SaveConnectionSnapshot(snap)
		// Entries queued during a blip the probe never saw.
		if _, pending := m.store.PeekOperation(); pending {
			m.drain(m.ctx)
		}
		return
	}

	m.log.Info("backend connected", logger.String("previous", string(prev)))
	m.transitioned(snap)
	m.listeners.emit(EventBackendConnected)
	m.drain(m.ctx)
}

func (m *Monitor) handleProbeFailure(err error) {
	m.mu.Lock()
	if !m.networkUp {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = models.ConnectionDisconnected
	m.failures++
	m.lastError = err.Error()
	m.lastProbeAt = m.clock.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.scheduleReconnect()

	if prev == models.ConnectionDisconnected {
		m.store.SaveConnectionSnapshot(snap)
		m.log.Debug("backend still unreachable", logger.Int("failures", snap.ConsecutiveFailures), logger.Err(err))
		return
	}

	m.log.Warn("backend unreachable", logger.String("previous", string(prev)), logger.Err(err))
	m.transitioned(snap)
	m.listeners.emit(EventBackendDisconnected)
}

// SetNetworkAvailable is the entry point for OS network up/down signals.
func (m *Monitor) SetNetworkAvailable(up bool) {
	m.mu.Lock()
	if m.networkUp == up {
		m.mu.Unlock()
		return
	}
	m.networkUp = up
	prev := m.status
	if up {
		m.status = models.ConnectionDisconnected
	} else {
		m.status = models.ConnectionOffline
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.transitioned(snap)

	if !up {
		m.log.Warn("network down")
		m.listeners.emit(EventOffline)
		if prev == models.ConnectionConnected {
			m.listeners.emit(EventBackendDisconnected)
		}
		m.scheduleReconnect()
		return
	}

	m.log.Info("network up")
	m.listeners.emit(EventOnline)
	m.Probe(m.ctx)
}

// Wake triggers an out-of-band probe, used after suspend/resume or when a
// UI regains focus.
func (m *Monitor) Wake() {
	m.mu.Lock()
	up := m.networkUp
	m.mu.Unlock()
	if up {
		m.Probe(m.ctx)
	}
}

func (m *Monitor) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.reconnectPending {
		return
	}

	delay := m.reconnect.NextBackOff()
	m.reconnectPending = true
	m.reconnectTimer = m.clock.AfterFunc(delay, m.reconnectTick)
	m.log.Debug("reconnect probe scheduled", logger.Duration("delay", delay))
}

func (m *Monitor) reconnectTick() {
	m.mu.Lock()
	m.reconnectPending = false
	running, up := m.running, m.networkUp
	m.mu.Unlock()

	if !running {
		return
	}
	if !up {
		m.scheduleReconnect()
		return
	}
	m.Probe(m.ctx)
}

func (m *Monitor) transitioned(snap models.ConnectionSnapshot) {
	m.store.SaveConnectionSnapshot(snap)
	m.bus.Publish(events.TypeConnectionChanged, snap)
}

// QueueOperation persists op for replay once the backend is reachable.
func (m *Monitor) QueueOperation(op models.Operation) {
	if evicted := m.store.PushOperation(op); evicted > 0 {
		m.log.Warn("operation queue full, oldest entries evicted", logger.Int("evicted", evicted))
	}
	m.log.Debug("operation deferred", logger.String("kind", string(op.Kind)), logger.String("path", op.Path))
}

// drain replays queued operations in order. It only runs from a probe, under
// probeMu. An entry leaves the queue only after its replay succeeds; the
// first transient failure stops the drain with that entry still at the front.
func (m *Monitor) drain(ctx context.Context) {
	replayed := 0
	defer func() {
		if replayed > 0 {
			m.log.Info("replayed deferred operations", logger.Int("count", replayed))
		}
	}()

	for {
		if !m.IsConnected() {
			return
		}

		op, ok := m.store.PeekOperation()
		if !ok {
			return
		}

		if err := m.throttle(ctx); err != nil {
			return
		}

		err := m.replayer.Replay(ctx, op)
		if err != nil && !isPermanent(err) {
			m.log.Warn("replay failed, keeping operation queued",
				logger.String("kind", string(op.Kind)),
				logger.String("path", op.Path),
				logger.Err(err))
			return
		}
		if err != nil {
			m.log.Error("dropping operation rejected by the server",
				logger.String("kind", string(op.Kind)),
				logger.String("path", op.Path),
				logger.Err(err))
		}

		m.store.RemoveOperation(op.ID)
		replayed++
	}
}

// throttle waits for the drain limiter on the monitor's clock.
func (m *Monitor) throttle(ctx context.Context) error {
	now := m.clock.Now()
	r := m.limiter.ReserveN(now, 1)
	if err := retry.Wait(ctx, m.clock, r.DelayFrom(now)); err != nil {
		r.CancelAt(m.clock.Now())
		return err
	}
	return nil
}

// isPermanent is true for client errors that no amount of replaying fixes.
// Authentication errors are not permanent: a later session may succeed.
func isPermanent(err error) bool {
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
