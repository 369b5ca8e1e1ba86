package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/orrn/printstation/internal/models"
)

type FileList struct {
	Files   []models.File `json:"files"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	Pages   int           `json:"pages"`
	PerPage int           `json:"per_page"`
}

// ListFiles returns the most recent uploads.
func (c *Client) ListFiles(ctx context.Context, limit int) (*FileList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
		params.Set("per_page", strconv.Itoa(limit))
	}

	var list FileList
	if err := c.call(ctx, http.MethodGet, withQuery("/files", params), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DownloadFile streams the document body into w and returns the byte count.
func (c *Client) DownloadFile(ctx context.Context, fileID int64, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/files/%d/download", fileID), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/pdf, application/octet-stream")

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("download file %d: %w", fileID, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(req, resp); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download file %d: %w", fileID, err)
	}
	return n, nil
}
