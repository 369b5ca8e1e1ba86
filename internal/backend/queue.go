package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printstation/internal/models"
)

type addToQueueRequest struct {
	StationID *int64 `json:"station_id,omitempty"`
}

// AddToQueue enqueues a file, optionally routed to a station. A 409 means the
// file is already queued and surfaces as ErrConflict.
func (c *Client) AddToQueue(ctx context.Context, fileID int64, stationID *int64) (*models.Job, error) {
	var resp struct {
		Job models.Job `json:"print_job"`
	}
	path := fmt.Sprintf("/print-queue/add/%d", fileID)
	if err := c.call(ctx, http.MethodPost, path, addToQueueRequest{StationID: stationID}, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

func (c *Client) ListQueue(ctx context.Context) ([]models.Job, error) {
	var resp struct {
		Jobs []models.Job `json:"print_jobs"`
	}
	if err := c.call(ctx, http.MethodGet, "/print-queue", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type StationQueue struct {
	Station      models.Station                    `json:"station"`
	Jobs         []models.Job                      `json:"print_jobs"`
	JobsByStatus map[models.JobStatus][]models.Job `json:"jobs_by_status"`
	Pagination   Pagination                        `json:"pagination"`
}

func (c *Client) StationQueue(ctx context.Context, stationID int64) (*StationQueue, error) {
	var resp StationQueue
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/print-queue/station/%d", stationID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NextJob peeks the next pending job, scoped to stationID when it is non-zero.
func (c *Client) NextJob(ctx context.Context, stationID int64) (*models.NextJob, error) {
	params := url.Values{}
	if stationID != 0 {
		params.Set("station_id", strconv.FormatInt(stationID, 10))
	}

	var next models.NextJob
	if err := c.call(ctx, http.MethodGet, withQuery("/print-queue/next", params), nil, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

type jobStatusRequest struct {
	Status models.JobStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

func (c *Client) UpdateJobStatus(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error {
	path := fmt.Sprintf("/print-queue/%d/status", jobID)
	return c.call(ctx, http.MethodPut, path, jobStatusRequest{Status: status, Error: errMsg}, nil)
}

// JobStatusOperation describes UpdateJobStatus as a deferrable operation.
func JobStatusOperation(jobID int64, status models.JobStatus, errMsg string) models.Operation {
	body, _ := json.Marshal(jobStatusRequest{Status: status, Error: errMsg})
	return models.Operation{
		ID:       uuid.NewString(),
		Kind:     models.OperationJobStatus,
		Method:   http.MethodPut,
		Path:     fmt.Sprintf("/print-queue/%d/status", jobID),
		Body:     body,
		QueuedAt: time.Now(),
	}
}

// EnqueueFileOperation describes AddToQueue as a deferrable operation.
func EnqueueFileOperation(fileID int64, stationID *int64) models.Operation {
	body, _ := json.Marshal(addToQueueRequest{StationID: stationID})
	return models.Operation{
		ID:       uuid.NewString(),
		Kind:     models.OperationEnqueueFile,
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/print-queue/add/%d", fileID),
		Body:     body,
		QueuedAt: time.Now(),
	}
}

// Replay re-issues a deferred operation through the authenticated transport.
// A 409 on an enqueue means the earlier attempt already landed.
func (c *Client) Replay(ctx context.Context, op models.Operation) error {
	var body any
	if len(op.Body) > 0 {
		body = op.Body
	}

	err := c.call(ctx, op.Method, op.Path, body, nil)
	if op.Kind == models.OperationEnqueueFile && errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}
