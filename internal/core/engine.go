package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/backend"
	"github.com/orrn/printstation/internal/connectivity"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/retry"
	"github.com/orrn/printstation/internal/store"
)

var (
	ErrNotInstalled = errors.New("print engine requires an installed display mode")
	ErrNotRunning   = errors.New("print engine is not running")
	ErrNoFailedJob  = errors.New("no failed record for job")
	ErrRetryPending = errors.New("retry queue is full")
)

// recentLimit bounds the set of locally completed job ids kept to avoid
// printing a job again while its completed status is still being reported.
const recentLimit = 100

type Config struct {
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// SettleDelay approximates completion of the OS print step, which gives
	// no completion signal. A job is reported completed once it elapses even
	// if the printer later fails.
	SettleDelay time.Duration
	ReplayLimit int
	SpoolDir    string
	PrinterName string
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ReplayLimit < 0 {
		c.ReplayLimit = 0
	}
	if c.SpoolDir == "" {
		c.SpoolDir = os.TempDir()
	}
}

type runKind int

const (
	runFresh runKind = iota
	runReplay
	runManual
)

// Engine polls the backend for pending jobs and executes at most one at a
// time. All executions happen on the engine's loop goroutine.
type Engine struct {
	cfg      Config
	conn     Connectivity
	jobs     JobSource
	printer  Printer
	store    *store.Store
	mode     ModeDetector
	printLog PrintLog
	bus      events.Bus
	log      logger.Logger
	clock    clockwork.Clock

	mu         sync.Mutex
	state      State
	stationID  *int64
	current    *models.Job
	scheduled  map[int64]struct{}
	recent     map[int64]struct{}
	recentIDs  []int64
	lastPollAt time.Time
	lastError  string
	listener   connectivity.ListenerID
	running    bool
	paused     bool
	// replayDue records a backend-connected signal that arrived while paused.
	replayDue bool

	replayCh chan struct{}
	retryCh  chan int64
	wakeCh   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg Config, conn Connectivity, jobs JobSource, printer Printer, st *store.Store, mode ModeDetector, printLog PrintLog, bus events.Bus, log logger.Logger, clock clockwork.Clock) *Engine {
	cfg.setDefaults()
	if bus == nil {
		bus = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:       cfg,
		conn:      conn,
		jobs:      jobs,
		printer:   printer,
		store:     st,
		mode:      mode,
		printLog:  printLog,
		bus:       bus,
		log:       log,
		clock:     clock,
		state:     StateStopped,
		scheduled: make(map[int64]struct{}),
		recent:    make(map[int64]struct{}),
	}
}

// Start begins polling, scoped to stationID when it is non-nil. The display
// mode is checked on every call: only installed instances print.
func (e *Engine) Start(stationID *int64) error {
	if mode := e.mode.Mode(); !mode.Installed() {
		return fmt.Errorf("%w: running as %s", ErrNotInstalled, mode)
	}

	e.mu.Lock()
	if e.running {
		e.stationID = stationID
		resumed := e.paused
		e.paused = false
		if resumed {
			kick := e.wakeCh
			if e.replayDue {
				kick = e.replayCh
			}
			e.replayDue = false
			select {
			case kick <- struct{}{}:
			default:
			}
		}
		e.mu.Unlock()
		if resumed {
			e.log.Info("print engine resumed", logger.Any("station_id", stationID))
			e.publishState()
		}
		return nil
	}
	e.running = true
	e.paused = false
	e.replayDue = false
	e.state = StateIdle
	e.stationID = stationID
	e.replayCh = make(chan struct{}, 1)
	e.retryCh = make(chan int64, 16)
	e.wakeCh = make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	id := e.conn.On(connectivity.EventBackendConnected, e.onBackendConnected)
	e.mu.Lock()
	e.listener = id
	e.mu.Unlock()

	e.log.Info("print engine started", logger.Any("station_id", stationID))
	e.publishState()

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Pause stops polling and replays without touching the job in flight.
// Start resumes.
func (e *Engine) Pause() {
	e.mu.Lock()
	if !e.running || e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.mu.Unlock()

	e.log.Info("print engine paused")
	e.publishState()
}

// Stop ends polling. A job already printing runs to a terminal status
// first; only its pending retry waits are cut short.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.paused = false
	e.replayDue = false
	e.cancel()
	id := e.listener
	e.mu.Unlock()

	e.conn.Off(id)
	e.wg.Wait()

	e.mu.Lock()
	e.state = StateStopped
	e.current = nil
	e.mu.Unlock()

	e.log.Info("print engine stopped")
	e.publishState()
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	scheduled := make([]int64, 0, len(e.scheduled))
	for id := range e.scheduled {
		scheduled = append(scheduled, id)
	}
	sort.Slice(scheduled, func(i, j int) bool { return scheduled[i] < scheduled[j] })

	var current *models.Job
	if e.current != nil {
		job := *e.current
		current = &job
	}

	return Snapshot{
		State:      e.state,
		Paused:     e.paused,
		StationID:  e.stationID,
		CurrentJob: current,
		Scheduled:  scheduled,
		LastPollAt: e.lastPollAt,
		LastError:  e.lastError,
		FailedJobs: len(e.store.FailedJobs()),
	}
}

// CachedJobs is the job list from the last successful poll, for display
// while the backend cannot be reached.
func (e *Engine) CachedJobs() ([]models.Job, bool) {
	return e.store.CachedJobs()
}

// RetryFailed schedules a manual retry of a failed job. The replay limit does
// not apply.
func (e *Engine) RetryFailed(jobID int64) error {
	if _, ok := e.store.FailedJob(jobID); !ok {
		return fmt.Errorf("%w: %d", ErrNoFailedJob, jobID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	select {
	case e.retryCh <- jobID:
		return nil
	default:
		return ErrRetryPending
	}
}

// onBackendConnected runs inside the monitor's probe and must not block.
func (e *Engine) onBackendConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	select {
	case e.replayCh <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.replayCh:
			if e.holdReplay() {
				continue
			}
			e.replayFailed(ctx)
			e.poll(ctx)
		case <-e.wakeCh:
			e.poll(ctx)
		case jobID := <-e.retryCh:
			e.retryManual(ctx, jobID)
		case <-ticker.Chan():
			e.poll(ctx)
		}
	}
}

// holdReplay defers a replay requested while paused until Start resumes.
func (e *Engine) holdReplay() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.replayDue = true
	}
	return e.paused
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// poll asks for the next pending job and executes it. While disconnected or
// paused the round is skipped without any network call.
func (e *Engine) poll(ctx context.Context) {
	if e.isPaused() {
		return
	}
	if !e.conn.IsConnected() {
		if jobs, ok := e.store.CachedJobs(); ok {
			e.log.Debug("disconnected, serving cached jobs", logger.Int("jobs", len(jobs)))
		}
		return
	}

	stationID := e.currentStation()
	next, err := e.jobs.NextJob(ctx, stationID)

	e.mu.Lock()
	e.lastPollAt = e.clock.Now()
	if err != nil {
		e.lastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("poll for next job failed", logger.Err(err))
		}
		return
	}

	e.refreshCache(ctx)

	if next.Job == nil {
		return
	}
	if status := next.Job.Status; status != "" && status != models.JobStatusPending {
		return
	}

	job := *next.Job
	if _, failed := e.store.FailedJob(job.ID); failed {
		e.log.Debug("skipping job with a failed record", logger.Int64("job_id", job.ID))
		return
	}
	if e.recentlyCompleted(job.ID) {
		e.log.Debug("skipping job completed locally", logger.Int64("job_id", job.ID))
		return
	}

	settings := models.DefaultPrintSettings()
	if next.Settings != nil {
		settings = next.Settings.Normalize()
	}

	e.execute(ctx, job, settings, runFresh)
}

func (e *Engine) currentStation() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stationID == nil {
		return 0
	}
	return *e.stationID
}

func (e *Engine) refreshCache(ctx context.Context) {
	jobs, err := e.jobs.ListQueue(ctx)
	if err != nil {
		e.log.Debug("job list refresh failed", logger.Err(err))
		return
	}
	e.store.SaveCachedJobs(jobs)
}

// replayFailed retries failed records that still have replays left, reusing
// their stored payload.
func (e *Engine) replayFailed(ctx context.Context) {
	for _, fj := range e.store.FailedJobs() {
		if ctx.Err() != nil {
			return
		}
		if fj.RetryCount >= e.cfg.ReplayLimit {
			continue
		}
		e.store.UpdateFailedJob(fj.JobID, func(r *models.FailedJob) { r.RetryCount++ })
		e.log.Info("replaying failed job", logger.Int64("job_id", fj.JobID), logger.Int("replay", fj.RetryCount+1))
		e.execute(ctx, fj.Job, fj.Settings.Normalize(), runReplay)
	}
}

func (e *Engine) retryManual(ctx context.Context, jobID int64) {
	fj, ok := e.store.FailedJob(jobID)
	if !ok {
		return
	}
	e.store.UpdateFailedJob(jobID, func(r *models.FailedJob) { r.RetryCount++ })
	e.log.Info("manual retry of failed job", logger.Int64("job_id", jobID))
	e.execute(ctx, fj.Job, fj.Settings.Normalize(), runManual)
}

// begin claims job for execution. It fails when another job is printing or
// the job is already scheduled.
func (e *Engine) begin(job *models.Job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StatePrinting {
		return false
	}
	if _, dup := e.scheduled[job.ID]; dup {
		return false
	}
	e.scheduled[job.ID] = struct{}{}
	e.state = StatePrinting
	e.current = job
	return true
}

func (e *Engine) finish(jobID int64) {
	e.mu.Lock()
	delete(e.scheduled, jobID)
	e.current = nil
	if e.running {
		e.state = StateIdle
	}
	e.mu.Unlock()
	e.publishState()
}

// execute drives job to completed or failed. Once the job is reported
// printing, stopping the engine no longer aborts it: the print and the final
// report run on a context detached from ctx, and a stop during a retry wait
// ends the job as failed so it keeps a failed record for replay.
func (e *Engine) execute(ctx context.Context, job models.Job, settings models.PrintSettings, kind runKind) {
	if ctx.Err() != nil {
		return
	}
	job.Status = models.JobStatusPrinting
	if !e.begin(&job) {
		e.log.Debug("job already in flight", logger.Int64("job_id", job.ID))
		return
	}
	defer e.finish(job.ID)

	log := e.log.With(logger.Int64("job_id", job.ID), logger.String("filename", job.Filename))
	log.Info("printing job", logger.Int("copies", settings.Copies), logger.String("orientation", string(settings.Orientation)))
	e.publishState()
	e.bus.Publish(events.TypeJobStarted, JobEvent{JobID: job.ID, Filename: job.Filename})

	jobCtx := context.WithoutCancel(ctx)
	e.report(jobCtx, job.ID, models.JobStatusPrinting, "")

	delays := retry.Exponential(e.cfg.RetryBaseDelay, 0)
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		started := e.clock.Now()
		err := e.printOnce(jobCtx, job, settings)
		e.recordAttempt(job, settings, attempt, e.clock.Since(started), err)

		if err == nil {
			e.markCompleted(job.ID)
			if kind != runFresh {
				e.store.RemoveFailedJob(job.ID)
			}
			e.report(jobCtx, job.ID, models.JobStatusCompleted, "")
			log.Info("job completed", logger.Int("attempt", attempt))
			e.bus.Publish(events.TypeJobCompleted, JobEvent{JobID: job.ID, Filename: job.Filename, Attempt: attempt})
			return
		}

		lastErr = err
		log.Warn("print attempt failed", logger.Int("attempt", attempt), logger.Err(err))
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := delays.NextBackOff()
		e.bus.Publish(events.TypeJobRetrying, JobEvent{JobID: job.ID, Filename: job.Filename, Attempt: attempt, Error: err.Error()})
		if retry.Wait(ctx, e.clock, delay) != nil {
			log.Warn("engine stopping, remaining attempts abandoned", logger.Int("attempt", attempt))
			break
		}
	}

	e.recordFailure(job, settings, lastErr, kind)
	e.report(jobCtx, job.ID, models.JobStatusFailed, lastErr.Error())
	log.Error("job failed", logger.Int("attempts", attempts), logger.Err(lastErr))
	e.bus.Publish(events.TypeJobFailed, JobEvent{JobID: job.ID, Filename: job.Filename, Attempt: attempts, Error: lastErr.Error()})
}

// printOnce downloads the document to a spool file, submits it and waits for
// the settle delay. The spool file is always removed.
func (e *Engine) printOnce(ctx context.Context, job models.Job, settings models.PrintSettings) error {
	if err := os.MkdirAll(e.cfg.SpoolDir, 0o700); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}

	f, err := os.CreateTemp(e.cfg.SpoolDir, fmt.Sprintf("job-%d-*.pdf", job.ID))
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := e.jobs.DownloadFile(ctx, job.FileID, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}

	err = e.printer.Print(ctx, PrintRequest{
		Path:        path,
		Title:       job.Filename,
		Copies:      settings.Copies,
		Orientation: settings.Orientation,
	})
	if err != nil {
		return err
	}

	return retry.Wait(ctx, e.clock, e.cfg.SettleDelay)
}

func (e *Engine) recordFailure(job models.Job, settings models.PrintSettings, err error, kind runKind) {
	now := e.clock.Now()
	if kind == runFresh {
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		e.store.AppendFailedJob(models.FailedJob{
			JobID:    job.ID,
			Job:      job,
			Settings: settings,
			Error:    err.Error(),
			FailedAt: now,
		})
		return
	}
	updated := e.store.UpdateFailedJob(job.ID, func(r *models.FailedJob) {
		r.Error = err.Error()
		r.FailedAt = now
	})
	if !updated {
		e.store.AppendFailedJob(models.FailedJob{JobID: job.ID, Job: job, Settings: settings, Error: err.Error(), RetryCount: 1, FailedAt: now})
	}
}

// report sends a job status update. When the backend cannot be reached the
// update is deferred through the connectivity queue.
func (e *Engine) report(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) {
	if !e.conn.IsConnected() {
		e.conn.QueueOperation(backend.JobStatusOperation(jobID, status, errMsg))
		return
	}

	err := e.jobs.UpdateJobStatus(ctx, jobID, status, errMsg)
	switch {
	case err == nil:
	case backend.IsTransient(err) || errors.Is(err, backend.ErrUnauthorized):
		e.log.Warn("status report deferred", logger.Int64("job_id", jobID), logger.String("status", string(status)), logger.Err(err))
		e.conn.QueueOperation(backend.JobStatusOperation(jobID, status, errMsg))
	default:
		e.log.Error("status report rejected", logger.Int64("job_id", jobID), logger.String("status", string(status)), logger.Err(err))
	}
}

func (e *Engine) recordAttempt(job models.Job, settings models.PrintSettings, attempt int, took time.Duration, err error) {
	if e.printLog == nil {
		return
	}

	entry := &db.PrintLogEntry{
		JobID:       job.ID,
		Filename:    job.Filename,
		Printer:     e.cfg.PrinterName,
		Copies:      settings.Copies,
		Orientation: string(settings.Orientation),
		Attempt:     attempt,
		Status:      string(models.JobStatusCompleted),
		DurationMs:  took.Milliseconds(),
	}
	if err != nil {
		entry.Status = string(models.JobStatusFailed)
		entry.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.printLog.Record(ctx, entry); err != nil {
		e.log.Warn("print log write failed", logger.Err(err))
	}
}

func (e *Engine) markCompleted(jobID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.recent[jobID]; ok {
		return
	}
	e.recent[jobID] = struct{}{}
	e.recentIDs = append(e.recentIDs, jobID)
	if len(e.recentIDs) > recentLimit {
		delete(e.recent, e.recentIDs[0])
		e.recentIDs = e.recentIDs[1:]
	}
}

func (e *Engine) recentlyCompleted(jobID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.recent[jobID]
	return ok
}

func (e *Engine) publishState() {
	e.bus.Publish(events.TypeEngineChanged, e.Snapshot())
}
