// Package store is the local persistence layer. Every accessor is
// infallible from the caller's side: backend failures are logged and the
// call degrades to a miss or a no-op.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/models"
)

const (
	keyStationSession = "station_session"
	keyCredentials    = "credentials"
	keyAuthToken      = "auth_token"
	keyOperations     = "operation_queue"
	keyFailedJobs     = "failed_jobs"
	keyCachedJobs     = "cached_jobs"
	keyConnection     = "connection_state"
	keyProcessedFiles = "processed_files"
	keyAutoPrintBase  = "auto_print_baseline"
	keyDeviceMode     = "device_mode"
	keyDefaultStation = "default_station"
)

const (
	DefaultMaxOperations     = 100
	DefaultMaxFailedJobs     = 50
	DefaultMaxProcessedFiles = 100
	CachedJobsTTL            = 5 * time.Minute
)

type Store struct {
	backend Backend
	log     logger.Logger
	clock   clockwork.Clock
	sealer  *Sealer

	maxOperations int
	maxFailedJobs int

	// mu makes each list read-modify-write a single step.
	mu sync.Mutex
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithSealer(sealer *Sealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

func WithLimits(maxOperations, maxFailedJobs int) Option {
	return func(s *Store) {
		if maxOperations > 0 {
			s.maxOperations = maxOperations
		}
		if maxFailedJobs > 0 {
			s.maxFailedJobs = maxFailedJobs
		}
	}
}

func New(backend Backend, log logger.Logger, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		log:           log,
		clock:         clockwork.NewRealClock(),
		maxOperations: DefaultMaxOperations,
		maxFailedJobs: DefaultMaxFailedJobs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(key string) (string, bool) {
	v, ok, err := s.backend.Get(key)
	if err != nil {
		s.log.Warn("state read failed", logger.String("key", key), logger.Err(err))
		return "", false
	}
	return v, ok
}

func (s *Store) Set(key, value string) {
	if err := s.backend.Set(key, value); err != nil {
		s.log.Warn("state write failed", logger.String("key", key), logger.Err(err))
	}
}

func (s *Store) Remove(key string) {
	if err := s.backend.Delete(key); err != nil {
		s.log.Warn("state delete failed", logger.String("key", key), logger.Err(err))
	}
}

func (s *Store) getJSON(key string, v any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.log.Warn("discarding corrupt state entry", logger.String("key", key), logger.Err(err))
		s.Remove(key)
		return false
	}
	return true
}

func (s *Store) setJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("state encode failed", logger.String("key", key), logger.Err(err))
		return
	}
	s.Set(key, string(data))
}

func (s *Store) StationSession() (models.StationSession, bool) {
	var session models.StationSession
	if !s.getJSON(keyStationSession, &session) || session.SessionToken == "" {
		return models.StationSession{}, false
	}
	return session, true
}

func (s *Store) SaveStationSession(session models.StationSession) {
	s.setJSON(keyStationSession, session)
}

// Credentials returns the stored login, unsealed. A record that fails to
// open (key rotated, tampered) counts as absent.
func (s *Store) Credentials() (models.Credentials, bool) {
	if s.sealer == nil {
		return models.Credentials{}, false
	}

	sealed, ok := s.Get(keyCredentials)
	if !ok {
		return models.Credentials{}, false
	}

	plaintext, err := s.sealer.Open(sealed)
	if err != nil {
		s.log.Warn("stored credentials cannot be opened", logger.Err(err))
		return models.Credentials{}, false
	}

	var creds models.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil || creds.Username == "" {
		return models.Credentials{}, false
	}
	return creds, true
}

func (s *Store) SaveCredentials(creds models.Credentials) {
	if s.sealer == nil {
		s.log.Warn("no sealer configured, credentials not persisted")
		return
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		s.log.Error("credentials encode failed", logger.Err(err))
		return
	}

	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		s.log.Error("credentials seal failed", logger.Err(err))
		return
	}
	s.Set(keyCredentials, sealed)
}

func (s *Store) ClearCredentials() {
	s.Remove(keyCredentials)
}

func (s *Store) Token() string {
	token, _ := s.Get(keyAuthToken)
	return token
}

func (s *Store) SaveToken(token string) {
	s.Set(keyAuthToken, token)
}

func (s *Store) ClearToken() {
	s.Remove(keyAuthToken)
}

func (s *Store) Operations() []models.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationsLocked()
}

func (s *Store) operationsLocked() []models.Operation {
	var ops []models.Operation
	s.getJSON(keyOperations, &ops)
	return ops
}

// PushOperation appends op to the queue and returns how many of the oldest
// entries were evicted to respect the size cap.
func (s *Store) PushOperation(op models.Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := append(s.operationsLocked(), op)
	evicted := 0
	if len(ops) > s.maxOperations {
		evicted = len(ops) - s.maxOperations
		ops = ops[evicted:]
	}
	s.setJSON(keyOperations, ops)
	return evicted
}

// PeekOperation returns the front of the queue without removing it.
func (s *Store) PeekOperation() (models.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.operationsLocked()
	if len(ops) == 0 {
		return models.Operation{}, false
	}
	return ops[0], true
}

func (s *Store) RemoveOperation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.operationsLocked()
	for i, op := range ops {
		if op.ID == id {
			ops = append(ops[:i], ops[i+1:]...)
			s.setJSON(keyOperations, ops)
			return true
		}
	}
	return false
}

func (s *Store) ClearOperations() {
	s.Remove(keyOperations)
}

func (s *Store) FailedJobs() []models.FailedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedJobsLocked()
}

func (s *Store) failedJobsLocked() []models.FailedJob {
	var jobs []models.FailedJob
	s.getJSON(keyFailedJobs, &jobs)
	return jobs
}

func (s *Store) FailedJob(jobID int64) (models.FailedJob, bool) {
	for _, fj := range s.FailedJobs() {
		if fj.JobID == jobID {
			return fj, true
		}
	}
	return models.FailedJob{}, false
}

// AppendFailedJob records fj, replacing any older record for the same job,
// and keeps only the most recent entries.
func (s *Store) AppendFailedJob(fj models.FailedJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.failedJobsLocked()
	kept := jobs[:0]
	for _, existing := range jobs {
		if existing.JobID != fj.JobID {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, fj)
	if len(kept) > s.maxFailedJobs {
		kept = kept[len(kept)-s.maxFailedJobs:]
	}
	s.setJSON(keyFailedJobs, kept)
}

// UpdateFailedJob applies fn to the record for jobID in place.
func (s *Store) UpdateFailedJob(jobID int64, fn func(*models.FailedJob)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.failedJobsLocked()
	for i := range jobs {
		if jobs[i].JobID == jobID {
			fn(&jobs[i])
			s.setJSON(keyFailedJobs, jobs)
			return true
		}
	}
	return false
}

func (s *Store) RemoveFailedJob(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.failedJobsLocked()
	for i, fj := range jobs {
		if fj.JobID == jobID {
			jobs = append(jobs[:i], jobs[i+1:]...)
			s.setJSON(keyFailedJobs, jobs)
			return true
		}
	}
	return false
}

func (s *Store) ClearFailedJobs() {
	s.Remove(keyFailedJobs)
}

type cachedJobs struct {
	Jobs    []models.Job `json:"jobs"`
	SavedAt time.Time    `json:"saved_at"`
}

// CachedJobs returns the last job list if it is younger than CachedJobsTTL.
func (s *Store) CachedJobs() ([]models.Job, bool) {
	var cached cachedJobs
	if !s.getJSON(keyCachedJobs, &cached) {
		return nil, false
	}
	if s.clock.Since(cached.SavedAt) > CachedJobsTTL {
		return nil, false
	}
	return cached.Jobs, true
}

func (s *Store) SaveCachedJobs(jobs []models.Job) {
	s.setJSON(keyCachedJobs, cachedJobs{Jobs: jobs, SavedAt: s.clock.Now()})
}

func (s *Store) ClearCachedJobs() {
	s.Remove(keyCachedJobs)
}

func (s *Store) ConnectionSnapshot() (models.ConnectionSnapshot, bool) {
	var snap models.ConnectionSnapshot
	ok := s.getJSON(keyConnection, &snap)
	return snap, ok
}

func (s *Store) SaveConnectionSnapshot(snap models.ConnectionSnapshot) {
	s.setJSON(keyConnection, snap)
}

func (s *Store) ProcessedFiles() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processedFilesLocked()
}

func (s *Store) processedFilesLocked() []int64 {
	var ids []int64
	s.getJSON(keyProcessedFiles, &ids)
	return ids
}

func (s *Store) IsFileProcessed(fileID int64) bool {
	for _, id := range s.ProcessedFiles() {
		if id == fileID {
			return true
		}
	}
	return false
}

func (s *Store) MarkFileProcessed(fileID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.processedFilesLocked()
	for _, id := range ids {
		if id == fileID {
			return
		}
	}
	ids = append(ids, fileID)
	if len(ids) > DefaultMaxProcessedFiles {
		ids = ids[len(ids)-DefaultMaxProcessedFiles:]
	}
	s.setJSON(keyProcessedFiles, ids)
}

// AutoPrintBaselined reports whether the first auto-print check has run.
// Stores written before the marker existed count as baselined once any file
// was processed.
func (s *Store) AutoPrintBaselined() bool {
	if _, ok := s.Get(keyAutoPrintBase); ok {
		return true
	}
	return len(s.ProcessedFiles()) > 0
}

func (s *Store) MarkAutoPrintBaselined() {
	s.Set(keyAutoPrintBase, "1")
}

// DeviceMode defaults to station: an agent that was never configured
// otherwise exists to execute jobs.
func (s *Store) DeviceMode() models.DeviceMode {
	raw, ok := s.Get(keyDeviceMode)
	if !ok {
		return models.DeviceModeStation
	}
	mode, err := models.ParseDeviceMode(raw)
	if err != nil {
		return models.DeviceModeStation
	}
	return mode
}

func (s *Store) SaveDeviceMode(mode models.DeviceMode) {
	s.Set(keyDeviceMode, string(mode))
}

func (s *Store) DefaultStation() (int64, bool) {
	var id int64
	if !s.getJSON(keyDefaultStation, &id) || id == 0 {
		return 0, false
	}
	return id, true
}

func (s *Store) SaveDefaultStation(id int64) {
	if id == 0 {
		s.Remove(keyDefaultStation)
		return
	}
	s.setJSON(keyDefaultStation, id)
}

// ClearStation drops everything tied to a station registration: identity,
// session token, credentials, deferred operations, failed jobs and the job cache.
func (s *Store) ClearStation() {
	s.Remove(keyStationSession)
	s.Remove(keyAuthToken)
	s.Remove(keyCredentials)
	s.Remove(keyOperations)
	s.Remove(keyFailedJobs)
	s.Remove(keyCachedJobs)
}
