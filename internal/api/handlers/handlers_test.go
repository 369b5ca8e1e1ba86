package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/config"
	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/station"
	"github.com/orrn/printstation/internal/store"
	"github.com/orrn/printstation/internal/webhook"
)

type fakeStation struct {
	mu            sync.Mutex
	status        station.Status
	session       *models.StationSession
	registerErr   error
	unregisterErr error
	registered    []backend.RegisterRequest
}

func (f *fakeStation) Status() station.Status { return f.status }

func (f *fakeStation) Session() (models.StationSession, bool) {
	if f.session == nil {
		return models.StationSession{}, false
	}
	return *f.session, true
}

func (f *fakeStation) Register(_ context.Context, req backend.RegisterRequest) (*models.StationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, req)
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &models.StationSession{Station: models.Station{ID: 9, Name: req.Name}, SessionToken: "sess-1"}, nil
}

func (f *fakeStation) Unregister(context.Context) error { return f.unregisterErr }

type fakeConn struct {
	connected bool
	snapshot  models.ConnectionSnapshot
	probed    int
	queued    []models.Operation
}

func (f *fakeConn) IsConnected() bool                   { return f.connected }
func (f *fakeConn) Snapshot() models.ConnectionSnapshot { return f.snapshot }
func (f *fakeConn) QueueOperation(op models.Operation)  { f.queued = append(f.queued, op) }

func (f *fakeConn) Probe(context.Context) models.ConnectionStatus {
	f.probed++
	return f.snapshot.Status
}

type fakeEngine struct {
	snapshot core.Snapshot
	jobs     []models.Job
	fresh    bool
	retryErr error
	retried  []int64
}

func (f *fakeEngine) Snapshot() core.Snapshot          { return f.snapshot }
func (f *fakeEngine) CachedJobs() ([]models.Job, bool) { return f.jobs, f.fresh }

func (f *fakeEngine) RetryFailed(jobID int64) error {
	f.retried = append(f.retried, jobID)
	return f.retryErr
}

type fakePrinters struct {
	list      []core.PrinterInfo
	status    *core.PrinterStatus
	err       error
	last      core.PrinterStatus
	hasStatus bool
}

func (f *fakePrinters) ListPrinters(context.Context) ([]core.PrinterInfo, error) {
	return f.list, f.err
}

func (f *fakePrinters) CheckStatus(context.Context) (*core.PrinterStatus, error) {
	return f.status, f.err
}

func (f *fakePrinters) LastStatus() (core.PrinterStatus, bool) { return f.last, f.hasStatus }

type login struct {
	creds    models.Credentials
	remember bool
}

type fakeSession struct {
	err       error
	logins    []login
	token     string
	expiry    time.Time
	loggedOut bool
}

func (f *fakeSession) Login(_ context.Context, creds models.Credentials, remember bool) (string, error) {
	f.logins = append(f.logins, login{creds: creds, remember: remember})
	if f.err != nil {
		return "", f.err
	}
	f.token = "tok"
	return f.token, nil
}

func (f *fakeSession) Logout()           { f.loggedOut = true; f.token = "" }
func (f *fakeSession) Token() string     { return f.token }
func (f *fakeSession) Expiry() time.Time { return f.expiry }

type fakeSettings struct {
	settings  models.UserSettings
	updateErr error
	updates   []backend.SettingsUpdate
}

func (f *fakeSettings) Settings(context.Context) (*models.UserSettings, error) {
	s := f.settings
	return &s, nil
}

func (f *fakeSettings) UpdateSettings(_ context.Context, update backend.SettingsUpdate) (*models.UserSettings, error) {
	f.updates = append(f.updates, update)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	s := f.settings
	if update.PrintCopies != nil {
		s.PrintCopies = *update.PrintCopies
	}
	return &s, nil
}

type historyCall struct {
	stationID     int64
	limit, offset int
}

type fakeHistory struct {
	calls []historyCall
	err   error
}

func (f *fakeHistory) StationHistory(_ context.Context, stationID int64, limit, offset int) (*backend.StationHistory, error) {
	f.calls = append(f.calls, historyCall{stationID, limit, offset})
	if f.err != nil {
		return nil, f.err
	}
	return &backend.StationHistory{History: []models.Job{{ID: 1}}}, nil
}

type fakePrintLog struct {
	entries []*db.PrintLogEntry
	limit   int
}

func (f *fakePrintLog) Recent(_ context.Context, limit int) ([]*db.PrintLogEntry, error) {
	f.limit = limit
	return f.entries, nil
}

type fakeWebhooks struct {
	endpoints []webhook.Endpoint
	tested    []string
	err       error
}

func (f *fakeWebhooks) Endpoints() []webhook.Endpoint { return f.endpoints }

func (f *fakeWebhooks) Test(_ context.Context, name string) error {
	f.tested = append(f.tested, name)
	return f.err
}

type fixture struct {
	station  *fakeStation
	conn     *fakeConn
	engine   *fakeEngine
	printers *fakePrinters
	session  *fakeSession
	settings *fakeSettings
	history  *fakeHistory
	printLog *fakePrintLog
	webhooks *fakeWebhooks
	store    *store.Store
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		station:  &fakeStation{status: station.Status{State: station.StateUnregistered, Indicator: station.IndicatorOnline}},
		conn:     &fakeConn{connected: true, snapshot: models.ConnectionSnapshot{Status: models.ConnectionConnected, NetworkUp: true}},
		engine:   &fakeEngine{snapshot: core.Snapshot{State: core.StateIdle}},
		printers: &fakePrinters{},
		session:  &fakeSession{},
		settings: &fakeSettings{settings: models.UserSettings{PrintCopies: 1, PrintOrientation: models.OrientationPortrait}},
		history:  &fakeHistory{},
		printLog: &fakePrintLog{},
		webhooks: &fakeWebhooks{},
		store:    store.New(store.NewMemoryBackend(), logger.Nop()),
	}

	stationCfg := config.StationConfig{
		Name:         "Front desk",
		Location:     "Lobby",
		Capabilities: map[string]string{"color": "false"},
	}

	r := gin.New()
	r.SetHTMLTemplate(Templates())
	api := r.Group("/api")

	statusHandler := NewStatusHandler(f.station, f.conn, f.engine, f.store.DeviceMode)
	api.GET("/health", statusHandler.Health)
	statusHandler.RegisterRoutes(api)
	NewSessionHandler(f.session, f.store.DeviceMode).RegisterRoutes(api)
	NewStationHandler(f.station, f.history, stationCfg).RegisterRoutes(api)
	NewJobHandler(f.engine, f.store, f.printLog).RegisterRoutes(api)
	NewPrinterHandler(f.printers).RegisterRoutes(api)
	NewSettingsHandler(f.settings, f.conn, f.store, logger.Nop()).RegisterRoutes(api)
	NewWebhookHandler(f.webhooks).RegisterRoutes(api)
	NewWebUIHandler(f.station, f.conn, f.engine, f.printers, f.store, f.printLog).RegisterRoutes(r)

	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	f.station.status = station.Status{
		State:     station.StateActive,
		Health:    station.HealthOnline,
		Indicator: station.IndicatorOnline,
		Station:   &models.Station{ID: 4, Name: "Front desk"},
	}
	f.engine.snapshot.FailedJobs = 2

	w := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[StatusResponse](t, w)
	assert.Equal(t, station.StateActive, resp.Station.State)
	assert.Equal(t, int64(4), resp.Station.Station.ID)
	assert.Equal(t, models.ConnectionConnected, resp.Connection.Status)
	assert.Equal(t, core.StateIdle, resp.Engine.State)
	assert.Equal(t, 2, resp.Engine.FailedJobs)
	assert.Equal(t, models.DeviceModeStation, resp.DeviceMode)
}

func TestProbe(t *testing.T) {
	f := newFixture(t)
	f.conn.snapshot.Status = models.ConnectionDisconnected

	w := f.do(t, http.MethodPost, "/api/connectivity/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.conn.probed)
	assert.Equal(t, "disconnected", decode[map[string]any](t, w)["status"])
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name         string
		mode         models.DeviceMode
		body         any
		err          error
		wantCode     int
		wantRemember bool
	}{
		{
			name:         "station mode remembers credentials",
			mode:         models.DeviceModeStation,
			body:         LoginRequest{Username: "ops", Password: "pw"},
			wantCode:     http.StatusOK,
			wantRemember: true,
		},
		{
			name:         "hybrid mode remembers credentials",
			mode:         models.DeviceModeHybrid,
			body:         LoginRequest{Username: "ops", Password: "pw"},
			wantCode:     http.StatusOK,
			wantRemember: true,
		},
		{
			name:     "sender mode does not",
			mode:     models.DeviceModeSender,
			body:     LoginRequest{Username: "ops", Password: "pw"},
			wantCode: http.StatusOK,
		},
		{
			name:     "missing password",
			mode:     models.DeviceModeStation,
			body:     map[string]string{"username": "ops"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "rejected credentials",
			mode:     models.DeviceModeStation,
			body:     LoginRequest{Username: "ops", Password: "bad"},
			err:      fmt.Errorf("login: %w", &backend.APIError{StatusCode: http.StatusUnauthorized}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "backend down",
			mode:     models.DeviceModeStation,
			body:     LoginRequest{Username: "ops", Password: "pw"},
			err:      fmt.Errorf("login: %w", errors.New("dial tcp: connection refused")),
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.SaveDeviceMode(tt.mode)
			f.session.err = tt.err

			w := f.do(t, http.MethodPost, "/api/login", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())

			if tt.wantCode == http.StatusBadRequest {
				assert.Empty(t, f.session.logins)
				return
			}
			require.Len(t, f.session.logins, 1)
			assert.Equal(t, tt.wantRemember, f.session.logins[0].remember)
			if tt.wantCode == http.StatusOK {
				assert.True(t, decode[LoginResponse](t, w).LoggedIn)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.session.token = "tok"

	w := f.do(t, http.MethodPost, "/api/logout", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.session.loggedOut)

	w = f.do(t, http.MethodGet, "/api/session", nil)
	assert.False(t, decode[LoginResponse](t, w).LoggedIn)
}

func TestRegisterStation(t *testing.T) {
	t.Run("fills omitted fields from config", func(t *testing.T) {
		f := newFixture(t)

		w := f.do(t, http.MethodPost, "/api/station/register", nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		require.Len(t, f.station.registered, 1)
		req := f.station.registered[0]
		assert.Equal(t, "Front desk", req.Name)
		assert.Equal(t, "Lobby", req.Location)
		assert.JSONEq(t, `{"color":"false"}`, string(req.Capabilities))
	})

	t.Run("request overrides config", func(t *testing.T) {
		f := newFixture(t)

		w := f.do(t, http.MethodPost, "/api/station/register", RegisterStationRequest{
			Name:         "Back office",
			Capabilities: map[string]string{"duplex": "true"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		req := f.station.registered[0]
		assert.Equal(t, "Back office", req.Name)
		assert.Equal(t, "Lobby", req.Location)
		assert.JSONEq(t, `{"duplex":"true"}`, string(req.Capabilities))
	})

	t.Run("already registered", func(t *testing.T) {
		f := newFixture(t)
		f.station.registerErr = station.ErrAlreadyRegistered

		w := f.do(t, http.MethodPost, "/api/station/register", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("backend rejects", func(t *testing.T) {
		f := newFixture(t)
		f.station.registerErr = &backend.APIError{StatusCode: http.StatusBadRequest, Message: "name taken"}

		w := f.do(t, http.MethodPost, "/api/station/register", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "name taken", decode[ErrorResponse](t, w).Message)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t)

		w := f.do(t, http.MethodPost, "/api/station/register", "{")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.station.registered)
	})
}

func TestUnregisterStation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodDelete, "/api/station", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.station.unregisterErr = station.ErrNotRegistered
	w = f.do(t, http.MethodDelete, "/api/station", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStationHistory(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/station/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.station.session = &models.StationSession{Station: models.Station{ID: 12}}
	w = f.do(t, http.MethodGet, "/api/station/history?limit=500&offset=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []historyCall{{stationID: 12, limit: 100, offset: 20}}, f.history.calls)

	w = f.do(t, http.MethodGet, "/api/station/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[],"fresh":false,"count":0}`, w.Body.String())

	f.engine.jobs = []models.Job{{ID: 1, Filename: "a.pdf", Status: models.JobStatusPending}}
	f.engine.fresh = true
	resp := decode[JobListResponse](t, f.do(t, http.MethodGet, "/api/jobs", nil))
	assert.True(t, resp.Fresh)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "a.pdf", resp.Jobs[0].Filename)
}

func TestListFailedJobs(t *testing.T) {
	f := newFixture(t)
	f.store.AppendFailedJob(models.FailedJob{JobID: 5, Job: models.Job{ID: 5}, Error: "paper jam"})

	w := f.do(t, http.MethodGet, "/api/failed-jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[struct {
		FailedJobs []models.FailedJob `json:"failed_jobs"`
		Count      int                `json:"count"`
	}](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "paper jam", resp.FailedJobs[0].Error)
}

func TestRetryFailedJob(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{name: "scheduled", path: "/api/failed-jobs/5/retry", want: http.StatusAccepted},
		{name: "invalid id", path: "/api/failed-jobs/x/retry", want: http.StatusBadRequest},
		{name: "no record", path: "/api/failed-jobs/5/retry", err: core.ErrNoFailedJob, want: http.StatusNotFound},
		{name: "engine stopped", path: "/api/failed-jobs/5/retry", err: core.ErrNotRunning, want: http.StatusConflict},
		{name: "retry pending", path: "/api/failed-jobs/5/retry", err: core.ErrRetryPending, want: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.retryErr = tt.err

			w := f.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.want, w.Code)
			if tt.want != http.StatusBadRequest {
				assert.Equal(t, []int64{5}, f.engine.retried)
			}
		})
	}
}

func TestListPrintLog(t *testing.T) {
	f := newFixture(t)
	f.printLog.entries = []*db.PrintLogEntry{{JobID: 3, Status: "completed"}}

	w := f.do(t, http.MethodGet, "/api/print-log?limit=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 500, f.printLog.limit)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])
}

func TestPrinters(t *testing.T) {
	f := newFixture(t)
	f.printers.list = []core.PrinterInfo{{Name: "office", Default: true, Accepting: true}}

	w := f.do(t, http.MethodGet, "/api/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"name":"office","default":true,"accepting":true}]`, w.Body.String())
}

func TestPrinterStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", want: http.StatusOK},
		{name: "missing printer", err: core.ErrPrinterNotFound, want: http.StatusNotFound},
		{name: "no default", err: core.ErrNoDefaultPrinter, want: http.StatusNotFound},
		{name: "lpstat failure", err: errors.New("exit status 1"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.printers.err = tt.err
			if tt.err == nil {
				f.printers.status = &core.PrinterStatus{Name: "office", State: "idle", Enabled: true, CanPrint: true}
			}

			w := f.do(t, http.MethodGet, "/api/printers/status", nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetSettings(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.UserSettings](t, w).PrintCopies)

	f.conn.connected = false
	w = f.do(t, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUpdateSettings(t *testing.T) {
	t.Run("forwards while connected", func(t *testing.T) {
		f := newFixture(t)

		w := f.do(t, http.MethodPut, "/api/settings", map[string]any{"print_copies": 3})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Len(t, f.settings.updates, 1)
		assert.Equal(t, 3, *f.settings.updates[0].PrintCopies)
		assert.Nil(t, f.settings.updates[0].PrintOrientation)
		assert.Equal(t, 3, decode[models.UserSettings](t, w).PrintCopies)
	})

	t.Run("queued while disconnected", func(t *testing.T) {
		f := newFixture(t)
		f.conn.connected = false

		w := f.do(t, http.MethodPut, "/api/settings", map[string]any{"auto_print_enabled": true})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Empty(t, f.settings.updates)
		require.Len(t, f.conn.queued, 1)
		op := f.conn.queued[0]
		assert.Equal(t, models.OperationSettings, op.Kind)
		assert.Equal(t, http.MethodPut, op.Method)
		assert.Equal(t, "/settings", op.Path)
		assert.JSONEq(t, `{"auto_print_enabled":true}`, string(op.Body))
	})

	t.Run("queued on transient failure", func(t *testing.T) {
		f := newFixture(t)
		f.settings.updateErr = &backend.APIError{StatusCode: http.StatusServiceUnavailable}

		w := f.do(t, http.MethodPut, "/api/settings", map[string]any{"print_orientation": "landscape"})
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Len(t, f.conn.queued, 1)
	})

	t.Run("rejected by backend", func(t *testing.T) {
		f := newFixture(t)
		f.settings.updateErr = &backend.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "unknown station"}

		w := f.do(t, http.MethodPut, "/api/settings", map[string]any{"default_station_id": 99})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.conn.queued)
	})

	for _, body := range []map[string]any{
		{"print_copies": 11},
		{"print_copies": 0},
		{"print_orientation": "sideways"},
	} {
		f := newFixture(t)
		w := f.do(t, http.MethodPut, "/api/settings", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Empty(t, f.settings.updates)
	}
}

func TestDevice(t *testing.T) {
	f := newFixture(t)

	resp := decode[DeviceResponse](t, f.do(t, http.MethodGet, "/api/device", nil))
	assert.Equal(t, models.DeviceModeStation, resp.Mode)
	assert.Nil(t, resp.DefaultStationID)

	w := f.do(t, http.MethodPut, "/api/device", map[string]any{"mode": "hybrid", "default_station_id": 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.DeviceModeHybrid, f.store.DeviceMode())
	id, ok := f.store.DefaultStation()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	w = f.do(t, http.MethodPut, "/api/device", map[string]any{"default_station_id": 0})
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = f.store.DefaultStation()
	assert.False(t, ok)
	assert.Equal(t, models.DeviceModeHybrid, f.store.DeviceMode())

	w = f.do(t, http.MethodPut, "/api/device", map[string]any{"mode": "kiosk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.DeviceModeHybrid, f.store.DeviceMode())
}

func TestWebhooks(t *testing.T) {
	f := newFixture(t)
	f.webhooks.endpoints = []webhook.Endpoint{{
		Name:   "ops",
		URL:    "https://hooks.example.com/print",
		Secret: "hush",
		Events: []events.Type{events.TypeJobFailed},
	}}

	w := f.do(t, http.MethodGet, "/api/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"name":"ops","url":"https://hooks.example.com/print","events":["job.failed"],"has_secret":true}]`, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/webhooks/ops/test", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ops"}, f.webhooks.tested)

	f.webhooks.err = webhook.ErrUnknownEndpoint
	w = f.do(t, http.MethodPost, "/api/webhooks/nope/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.station.status = station.Status{
		State:     station.StateActive,
		Indicator: station.IndicatorOnline,
		Station:   &models.Station{Name: "Front desk", Location: "Lobby"},
	}
	f.printers.last = core.PrinterStatus{Name: "office", State: "idle", CanPrint: true, LastChecked: time.Now()}
	f.printers.hasStatus = true
	f.printLog.entries = []*db.PrintLogEntry{
		{JobID: 3, Filename: "report.pdf", Attempt: 1, Status: "completed", CreatedAt: time.Now()},
	}

	w := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "Front desk (Lobby)")
	assert.Contains(t, body, "office")
	assert.Contains(t, body, "report.pdf")
	assert.Contains(t, body, "Today: 1 printed, 0 failed")
}

func TestFormatAgo(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-time.Minute), "1 minute ago"},
		{now.Add(-5 * time.Minute), "5 minutes ago"},
		{now.Add(-time.Hour), "1 hour ago"},
		{now.Add(-3 * time.Hour), "3 hours ago"},
		{now.Add(-48 * time.Hour), "Apr 29, 12:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAgo(now, tt.t))
	}
}
