package station

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/connectivity"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/store"
)

type heartbeat struct {
	StationID int64
	Token     string
}

type fakeBackend struct {
	mu           sync.Mutex
	heartbeats   []heartbeat
	reconnects   []string
	registers    int
	unregisters  int
	heartbeatErr func(token string) error
	reconnectErr error
	registerErr  error
	issued       int
}

func (b *fakeBackend) RegisterStation(ctx context.Context, reg backend.RegisterRequest) (*models.StationSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers++
	if b.registerErr != nil {
		return nil, b.registerErr
	}
	return &models.StationSession{
		Station:      models.Station{ID: 42, Name: reg.Name, Location: reg.Location},
		SessionToken: "sess-new",
		StationToken: "station-token",
	}, nil
}

func (b *fakeBackend) Heartbeat(ctx context.Context, stationID int64, sessionToken, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats = append(b.heartbeats, heartbeat{StationID: stationID, Token: sessionToken})
	if b.heartbeatErr != nil {
		return b.heartbeatErr(sessionToken)
	}
	return nil
}

func (b *fakeBackend) ReconnectStation(ctx context.Context, stationID int64, sessionToken string) (*models.StationSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects = append(b.reconnects, sessionToken)
	if b.reconnectErr != nil {
		return nil, b.reconnectErr
	}
	b.issued++
	return &models.StationSession{SessionToken: fmt.Sprintf("sess-%d", b.issued+1)}, nil
}

func (b *fakeBackend) UnregisterStation(ctx context.Context, stationID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisters++
	return &backend.APIError{StatusCode: http.StatusInternalServerError}
}

func (b *fakeBackend) counts() (heartbeats []heartbeat, reconnects []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]heartbeat(nil), b.heartbeats...), append([]string(nil), b.reconnects...)
}

type fakeConn struct {
	mu        sync.Mutex
	status    models.ConnectionStatus
	listeners map[connectivity.ListenerID]struct {
		event connectivity.Event
		fn    func()
	}
	next int
}

func newFakeConn(status models.ConnectionStatus) *fakeConn {
	c := &fakeConn{status: status}
	c.listeners = make(map[connectivity.ListenerID]struct {
		event connectivity.Event
		fn    func()
	})
	return c
}

func (c *fakeConn) IsConnected() bool { return c.Status() == models.ConnectionConnected }

func (c *fakeConn) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) On(event connectivity.Event, fn func()) connectivity.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := connectivity.ListenerID(fmt.Sprint(c.next))
	c.listeners[id] = struct {
		event connectivity.Event
		fn    func()
	}{event, fn}
	return id
}

func (c *fakeConn) Off(id connectivity.ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.listeners[id]
	delete(c.listeners, id)
	return ok
}

// set changes the status and emits the events a monitor would.
func (c *fakeConn) set(status models.ConnectionStatus, emitted ...connectivity.Event) {
	c.mu.Lock()
	c.status = status
	var fns []func()
	for _, event := range emitted {
		for _, l := range c.listeners {
			if l.event == event {
				fns = append(fns, l.fn)
			}
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeEngine struct {
	mu     sync.Mutex
	starts []int64
	pauses int
	stops  int
}

func (e *fakeEngine) Start(stationID *int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, *stationID)
	return nil
}

func (e *fakeEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses++
}

func (e *fakeEngine) paused() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauses
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
}

func (e *fakeEngine) counts() ([]int64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.starts...), e.stops
}

type fakeSession struct{ logouts int }

func (s *fakeSession) Logout() { s.logouts++ }

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type controllerFixture struct {
	ctrl    *Controller
	api     *fakeBackend
	conn    *fakeConn
	engine  *fakeEngine
	session *fakeSession
	store   *store.Store
	bus     *events.InMemoryBus
	clock   fakeClock
}

func newFixture(t *testing.T, conn models.ConnectionStatus) *controllerFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &controllerFixture{
		api:     &fakeBackend{},
		conn:    newFakeConn(conn),
		engine:  &fakeEngine{},
		session: &fakeSession{},
		store:   store.New(store.NewMemoryBackend(), logger.Nop(), store.WithClock(clock)),
		bus:     events.NewBus(),
		clock:   clock,
	}
	f.ctrl = New(Config{}, f.api, f.conn, f.engine, f.session, f.store, f.bus, logger.Nop(), clock)
	t.Cleanup(f.ctrl.Stop)
	return f
}

func (f *controllerFixture) persistStation() {
	f.store.SaveStationSession(models.StationSession{
		Station:      models.Station{ID: 7, Name: "Front desk"},
		SessionToken: "sess-1",
		StationToken: "station-token",
	})
}

func (f *controllerFixture) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ctrl.Status().State == state }, 2*time.Second, time.Millisecond)
}

func (f *controllerFixture) waitHeartbeats(t *testing.T, n int) []heartbeat {
	t.Helper()
	require.Eventually(t, func() bool {
		hb, _ := f.api.counts()
		return len(hb) >= n
	}, 2*time.Second, time.Millisecond)
	hb, _ := f.api.counts()
	return hb
}

func unauthorized() error {
	return &backend.APIError{StatusCode: http.StatusUnauthorized, Message: "Invalid session"}
}

func TestColdStartResumesStoredStation(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()

	require.True(t, f.ctrl.Start())

	status := f.ctrl.Status()
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, IndicatorOnline, status.Indicator)
	require.NotNil(t, status.Station)
	assert.Equal(t, int64(7), status.Station.ID)

	starts, _ := f.engine.counts()
	assert.Equal(t, []int64{7}, starts, "polling scoped to the stored station")

	hb := f.waitHeartbeats(t, 1)
	assert.Equal(t, heartbeat{StationID: 7, Token: "sess-1"}, hb[0])

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)
	f.waitHeartbeats(t, 2)

	_, reconnects := f.api.counts()
	assert.Empty(t, reconnects)
	assert.Zero(t, f.api.registers)
}

func TestStartWithoutStoredStation(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)

	assert.False(t, f.ctrl.Start())
	assert.Equal(t, StateUnregistered, f.ctrl.Status().State)
	starts, _ := f.engine.counts()
	assert.Empty(t, starts)
}

func TestHeartbeatUnauthorizedReconnectsOnce(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.api.heartbeatErr = func(token string) error {
		if token == "sess-1" {
			return unauthorized()
		}
		return nil
	}

	f.ctrl.Start()

	hb := f.waitHeartbeats(t, 2)
	assert.Equal(t, "sess-1", hb[0].Token)
	assert.Equal(t, "sess-2", hb[1].Token, "heartbeat resumes with the refreshed token")
	f.waitState(t, StateActive)

	_, reconnects := f.api.counts()
	assert.Equal(t, []string{"sess-1"}, reconnects)

	stored, ok := f.store.StationSession()
	require.True(t, ok)
	assert.Equal(t, "sess-2", stored.SessionToken)
	assert.Equal(t, int64(7), stored.Station.ID, "station kept when the reply omits it")
	assert.Equal(t, "station-token", stored.StationToken)

	starts, stops := f.engine.counts()
	assert.Equal(t, []int64{7, 7}, starts, "polling resumed for the same station")
	assert.Equal(t, 1, f.engine.paused(), "polling paused during reconnection")
	assert.Zero(t, stops, "a reconnect never stops the job in flight")

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)
	f.waitHeartbeats(t, 3)
	_, reconnects = f.api.counts()
	assert.Len(t, reconnects, 1)
}

func TestHeartbeatErrorMarksUnhealthy(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	fail := true
	var mu sync.Mutex
	f.api.heartbeatErr = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return &backend.APIError{StatusCode: http.StatusInternalServerError}
		}
		return nil
	}

	f.ctrl.Start()
	require.Eventually(t, func() bool { return f.ctrl.Status().Health == HealthError }, time.Second, time.Millisecond)
	status := f.ctrl.Status()
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, IndicatorError, status.Indicator)
	assert.Contains(t, status.Reason, "status 500")

	mu.Lock()
	fail = false
	mu.Unlock()
	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return f.ctrl.Status().Health == HealthOnline }, time.Second, time.Millisecond)
	assert.Empty(t, f.ctrl.Status().Reason)
	assert.False(t, f.ctrl.Status().LastHeartbeatAt.IsZero())
}

func TestHeartbeatSkippedWhileDisconnected(t *testing.T) {
	f := newFixture(t, models.ConnectionDisconnected)
	f.persistStation()

	require.True(t, f.ctrl.Start())
	assert.Equal(t, IndicatorDisconnected, f.ctrl.Status().Indicator)

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)

	hb, reconnects := f.api.counts()
	assert.Empty(t, hb)
	assert.Empty(t, reconnects)
	assert.Equal(t, StateActive, f.ctrl.Status().State)
}

func TestRestoreValidatesOnceBackendConnects(t *testing.T) {
	f := newFixture(t, models.ConnectionDisconnected)
	f.persistStation()
	f.ctrl.Start()

	f.conn.set(models.ConnectionConnected, connectivity.EventBackendConnected)

	require.Eventually(t, func() bool {
		_, reconnects := f.api.counts()
		return len(reconnects) == 1
	}, time.Second, time.Millisecond)
	f.waitState(t, StateActive)

	stored, _ := f.store.StationSession()
	assert.Equal(t, "sess-2", stored.SessionToken)
}

func TestBackendReturnReconnects(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.ctrl.Start()
	f.waitHeartbeats(t, 1)

	// A connected event without a prior disconnect changes nothing.
	f.conn.set(models.ConnectionConnected, connectivity.EventBackendConnected)
	time.Sleep(20 * time.Millisecond)
	_, reconnects := f.api.counts()
	assert.Empty(t, reconnects)

	f.conn.set(models.ConnectionDisconnected, connectivity.EventBackendDisconnected)
	assert.Equal(t, IndicatorDisconnected, f.ctrl.Status().Indicator)
	f.conn.set(models.ConnectionConnected, connectivity.EventBackendConnected)

	require.Eventually(t, func() bool {
		_, reconnects := f.api.counts()
		return len(reconnects) == 1
	}, time.Second, time.Millisecond)
	_, reconnects = f.api.counts()
	assert.Equal(t, "sess-1", reconnects[0])
	f.waitState(t, StateActive)
}

func TestReconnectSettlesOutageSeenWhileReconnecting(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.api.heartbeatErr = func(token string) error {
		if token == "sess-1" {
			return unauthorized()
		}
		return nil
	}
	f.api.reconnectErr = &backend.APIError{StatusCode: http.StatusServiceUnavailable}

	f.ctrl.Start()
	require.Eventually(t, func() bool {
		_, reconnects := f.api.counts()
		return len(reconnects) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateReconnecting, f.ctrl.Status().State)

	f.conn.set(models.ConnectionDisconnected, connectivity.EventBackendDisconnected)
	f.conn.set(models.ConnectionConnected, connectivity.EventBackendConnected)

	f.api.mu.Lock()
	f.api.reconnectErr = nil
	f.api.mu.Unlock()

	// let the heartbeat ticker of the rejected session stop
	time.Sleep(20 * time.Millisecond)
	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Second)
	f.waitState(t, StateActive)

	_, reconnects := f.api.counts()
	require.Len(t, reconnects, 2)

	// The reconnect already covered the outage.
	f.conn.set(models.ConnectionConnected, connectivity.EventBackendConnected)
	time.Sleep(20 * time.Millisecond)
	_, reconnects = f.api.counts()
	assert.Len(t, reconnects, 2)
	assert.Equal(t, StateActive, f.ctrl.Status().State)
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.api.heartbeatErr = func(string) error { return unauthorized() }
	f.api.reconnectErr = &backend.APIError{StatusCode: http.StatusServiceUnavailable}

	f.ctrl.Start()

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Minute)
		return f.ctrl.Status().State == StateFailed
	}, 5*time.Second, time.Millisecond)

	_, reconnects := f.api.counts()
	assert.Len(t, reconnects, 10)
	for _, token := range reconnects {
		assert.Equal(t, "sess-1", token)
	}

	status := f.ctrl.Status()
	assert.Equal(t, IndicatorError, status.Indicator)
	assert.Contains(t, status.Reason, ErrReconnectExhausted.Error())

	// Terminal: nothing runs any more.
	hb, _ := f.api.counts()
	f.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	hbAfter, reconnectsAfter := f.api.counts()
	assert.Len(t, hbAfter, len(hb))
	assert.Len(t, reconnectsAfter, 10)
}

func TestReconnectBackoffSchedule(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.api.heartbeatErr = func(string) error { return unauthorized() }
	f.api.reconnectErr = &backend.APIError{StatusCode: http.StatusServiceUnavailable}

	f.ctrl.Start()

	waitReconnects := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool {
			_, r := f.api.counts()
			return len(r) == n
		}, time.Second, time.Millisecond)
	}

	waitReconnects(1)
	// let the heartbeat ticker of the rejected session stop
	time.Sleep(20 * time.Millisecond)
	for i, delay := range []time.Duration{5, 10, 20, 40, 60, 60} {
		f.clock.BlockUntil(1)
		f.clock.Advance(delay*time.Second - time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		_, r := f.api.counts()
		require.Len(t, r, i+1, "no attempt before the %ds backoff", delay)
		f.clock.Advance(time.Millisecond)
		waitReconnects(i + 2)
	}
	assert.Equal(t, StateReconnecting, f.ctrl.Status().State)
	assert.Equal(t, IndicatorReconnecting, f.ctrl.Status().Indicator)
}

func TestRegister(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.ctrl.Start()

	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	sess, err := f.ctrl.Register(context.Background(), backend.RegisterRequest{Name: "Lab", Location: "2nd floor"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.Station.ID)

	stored, ok := f.store.StationSession()
	require.True(t, ok)
	assert.Equal(t, "sess-new", stored.SessionToken)
	assert.Equal(t, "station-token", stored.StationToken)

	assert.Equal(t, StateActive, f.ctrl.Status().State)
	starts, _ := f.engine.counts()
	assert.Equal(t, []int64{42}, starts)
	f.waitHeartbeats(t, 1)

	var states []State
	for len(ch) > 0 {
		e := <-ch
		if e.Type == events.TypeStationChanged {
			states = append(states, e.Payload.(Status).State)
		}
	}
	require.NotEmpty(t, states)
	assert.Equal(t, StateRegistering, states[0])
	assert.Contains(t, states, StateActive)

	_, err = f.ctrl.Register(context.Background(), backend.RegisterRequest{Name: "Lab"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, 1, f.api.registers)
}

func TestRegisterFailure(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.api.registerErr = &backend.APIError{StatusCode: http.StatusBadRequest, Message: "Station name is required"}
	f.ctrl.Start()

	_, err := f.ctrl.Register(context.Background(), backend.RegisterRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Station name is required")
	assert.Equal(t, StateUnregistered, f.ctrl.Status().State)

	_, ok := f.store.StationSession()
	assert.False(t, ok)
}

func TestUnregisterClearsLocalState(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.store.SaveToken("user-token")
	f.store.PushOperation(models.Operation{ID: "op-1", Kind: models.OperationJobStatus})
	f.store.AppendFailedJob(models.FailedJob{JobID: 3})
	f.store.SaveCachedJobs([]models.Job{{ID: 3}})
	f.ctrl.Start()
	f.waitHeartbeats(t, 1)

	require.NoError(t, f.ctrl.Unregister(context.Background()), "server failure is ignored")
	assert.Equal(t, 1, f.api.unregisters)

	_, ok := f.store.StationSession()
	assert.False(t, ok)
	assert.Empty(t, f.store.Token())
	assert.Empty(t, f.store.Operations())
	assert.Empty(t, f.store.FailedJobs())
	_, ok = f.store.CachedJobs()
	assert.False(t, ok)

	assert.Equal(t, 1, f.session.logouts)
	_, stops := f.engine.counts()
	assert.Equal(t, 1, stops)

	status := f.ctrl.Status()
	assert.Equal(t, StateUnregistered, status.State)
	assert.Nil(t, status.Station)

	hb, _ := f.api.counts()
	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	hbAfter, _ := f.api.counts()
	assert.Len(t, hbAfter, len(hb), "heartbeat stopped")

	assert.ErrorIs(t, f.ctrl.Unregister(context.Background()), ErrNotRegistered)
}

func TestSessionFailureIsTerminal(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	f.persistStation()
	f.ctrl.Start()
	f.waitHeartbeats(t, 1)

	f.ctrl.SessionFailed(errors.New("no stored credentials"))

	status := f.ctrl.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, IndicatorError, status.Indicator)
	assert.Equal(t, "session: no stored credentials", status.Reason)
	_, stops := f.engine.counts()
	assert.Equal(t, 1, stops)

	// Registering again leaves the failed state.
	sess, err := f.ctrl.Register(context.Background(), backend.RegisterRequest{Name: "Lab"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.Station.ID)
	assert.Equal(t, StateActive, f.ctrl.Status().State)
}

func TestSessionFailureWithoutStation(t *testing.T) {
	f := newFixture(t, models.ConnectionConnected)
	require.False(t, f.ctrl.Start())

	f.ctrl.SessionFailed(errors.New("no stored credentials"))

	status := f.ctrl.Status()
	assert.Equal(t, StateUnregistered, status.State, "no station to fail")
	assert.Nil(t, status.Station)
	assert.Equal(t, "session: no stored credentials", status.Reason)
	_, stops := f.engine.counts()
	assert.Zero(t, stops)

	_, err := f.ctrl.Register(context.Background(), backend.RegisterRequest{Name: "Lab"})
	require.NoError(t, err)
	status = f.ctrl.Status()
	assert.Equal(t, StateActive, status.State)
	assert.Empty(t, status.Reason)
}

func TestIndicator(t *testing.T) {
	tests := []struct {
		conn   models.ConnectionStatus
		state  State
		health Health
		want   Indicator
	}{
		{models.ConnectionOffline, StateActive, HealthOnline, IndicatorOffline},
		{models.ConnectionOffline, StateReconnecting, "", IndicatorOffline},
		{models.ConnectionConnected, StateReconnecting, "", IndicatorReconnecting},
		{models.ConnectionDisconnected, StateFailed, "", IndicatorError},
		{models.ConnectionDisconnected, StateActive, HealthOnline, IndicatorDisconnected},
		{models.ConnectionConnected, StateActive, HealthError, IndicatorError},
		{models.ConnectionConnected, StateActive, HealthOnline, IndicatorOnline},
		{models.ConnectionConnected, StateUnregistered, "", IndicatorOnline},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%s", tt.conn, tt.state, tt.health), func(t *testing.T) {
			assert.Equal(t, tt.want, indicatorFor(tt.conn, tt.state, tt.health))
		})
	}
}
