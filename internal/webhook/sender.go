// Package webhook forwards bus events to external HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/events"
	"github.com/orrn/printstation/internal/logger"
	"github.com/orrn/printstation/internal/retry"
)

// EventTest marks payloads sent by Test.
const EventTest events.Type = "webhook.test"

type Endpoint struct {
	Name   string
	URL    string
	Secret string
	// Events limits delivery to these types; empty means every event.
	Events []events.Type
}

func (e Endpoint) wants(t events.Type) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == t {
			return true
		}
	}
	return false
}

type Config struct {
	Endpoints   []Endpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

func (c *Config) setDefaults() {
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
}

type Payload struct {
	ID        string      `json:"id"`
	Event     events.Type `json:"event"`
	Station   string      `json:"station,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

type task struct {
	endpoint Endpoint
	payload  Payload
	attempt  int
}

// statusError is a non-2xx reply from an endpoint.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

type Sender struct {
	cfg        Config
	station    func() string
	bus        events.Bus
	httpClient *http.Client
	log        logger.Logger
	clock      clockwork.Clock

	queue  chan *task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender builds a sender; station names the device in each payload and may be nil.
func NewSender(cfg Config, station func() string, bus events.Bus, log logger.Logger, clock clockwork.Clock) *Sender {
	cfg.setDefaults()
	return &Sender{
		cfg:     cfg,
		station: station,
		bus:     bus,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:   log,
		clock: clock,
		queue: make(chan *task, cfg.QueueSize),
	}
}

// Start subscribes to the bus and starts the delivery workers. It does
// nothing when no endpoint is configured.
func (s *Sender) Start(ctx context.Context) {
	if len(s.cfg.Endpoints) == 0 {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	stream, unsubscribe := s.bus.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.dispatch(ctx, stream)
	}()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.log.Info("webhook sender started", logger.Int("endpoints", len(s.cfg.Endpoints)))
}

// Stop abandons queued deliveries and waits for the workers.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Sender) dispatch(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			s.enqueue(e)
		}
	}
}

func (s *Sender) enqueue(e events.Event) {
	payload := Payload{
		ID:        e.ID,
		Event:     e.Type,
		Timestamp: e.Timestamp,
		Data:      e.Payload,
	}
	if s.station != nil {
		payload.Station = s.station()
	}

	for _, endpoint := range s.cfg.Endpoints {
		if !endpoint.wants(e.Type) {
			continue
		}
		select {
		case s.queue <- &task{endpoint: endpoint, payload: payload}:
		default:
			s.log.Warn("webhook queue full, dropping event",
				logger.String("endpoint", endpoint.Name),
				logger.String("event", string(e.Type)))
		}
	}
}

func (s *Sender) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(ctx, t); err != nil && ctx.Err() == nil {
				s.log.Warn("webhook delivery failed",
					logger.Int("worker", id),
					logger.String("endpoint", t.endpoint.Name),
					logger.String("event", string(t.payload.Event)),
					logger.Int("attempts", t.attempt),
					logger.Err(err))
			}
		}
	}
}

func (s *Sender) sendWithRetry(ctx context.Context, t *task) error {
	body, err := json.Marshal(t.payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	delays := retry.Exponential(s.cfg.RetryDelay, 0)
	var lastErr error
	for t.attempt < s.cfg.RetryCount {
		t.attempt++

		err := s.sendRequest(ctx, t.endpoint, t.payload.Event, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests {
			return err
		}

		if t.attempt < s.cfg.RetryCount {
			delay := delays.NextBackOff()
			s.log.Debug("webhook retry scheduled",
				logger.String("endpoint", t.endpoint.Name),
				logger.Int("attempt", t.attempt),
				logger.Duration("delay", delay),
				logger.Err(err))
			if err := retry.Wait(ctx, s.clock, delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ctx context.Context, endpoint Endpoint, event events.Type, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(event))
	if endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, endpoint.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

var ErrUnknownEndpoint = errors.New("unknown webhook endpoint")

func (s *Sender) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.cfg.Endpoints...)
}

// Test delivers a single test payload to the named endpoint, without retries.
func (s *Sender) Test(ctx context.Context, name string) error {
	for _, endpoint := range s.cfg.Endpoints {
		if endpoint.Name != name {
			continue
		}
		payload := Payload{
			Event:     EventTest,
			Timestamp: s.clock.Now().UTC(),
			Data:      map[string]string{"message": "webhook test"},
		}
		if s.station != nil {
			payload.Station = s.station()
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		return s.sendRequest(ctx, endpoint, EventTest, body)
	}
	return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
