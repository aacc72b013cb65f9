// Package scanstationsdk is a minimal typed client for the scan station
// HTTP API, intended for election-office tooling and integration tests.
package scanstationsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scanstation/internal/domain"
	"scanstation/internal/importer"
)

// Client is a minimal scan station HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Status mirrors the station status endpoint.
type Status struct {
	State        string                    `json:"state"`
	Scanner      string                    `json:"scanner"`
	Batches      []domain.Batch            `json:"batches"`
	Adjudication domain.AdjudicationCounts `json:"adjudication"`
	Electioned   bool                      `json:"election_configured"`
	TestMode     bool                      `json:"test_mode"`
}

// ContinueOptions carry the operator's resolution of the pending sheet.
type ContinueOptions struct {
	ForceAccept bool                      `json:"force_accept,omitempty"`
	FrontMarks  []domain.MarkAdjudication `json:"front_marks,omitempty"`
	BackMarks   []domain.MarkAdjudication `json:"back_marks,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the current station status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// StartScan opens a new batch and starts the feeder.
func (c *Client) StartScan(ctx context.Context) (string, error) {
	var resp struct {
		BatchID string `json:"batch_id"`
	}
	err := c.do(ctx, http.MethodPost, "scan/start", struct{}{}, &resp)
	return resp.BatchID, err
}

// ContinueScan resolves the pending sheet (if any) and resumes scanning.
func (c *Client) ContinueScan(ctx context.Context, opts ContinueOptions) error {
	return c.do(ctx, http.MethodPost, "scan/continue", opts, nil)
}

// Calibrate runs scanner calibration.
func (c *Client) Calibrate(ctx context.Context) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	err := c.do(ctx, http.MethodPost, "scan/calibrate", struct{}{}, &resp)
	return resp.Success, err
}

// Batches lists all batches, newest first.
func (c *Client) Batches(ctx context.Context) ([]domain.Batch, error) {
	var resp []domain.Batch
	err := c.do(ctx, http.MethodGet, "batches", nil, &resp)
	return resp, err
}

// BatchSheets lists a batch's sheets in scan order.
func (c *Client) BatchSheets(ctx context.Context, batchID string) ([]domain.Sheet, error) {
	var resp []domain.Sheet
	endpoint := fmt.Sprintf("batches/%s/sheets", url.PathEscape(batchID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// NextReviewSheet returns the next sheet awaiting adjudication, or nil when
// none is pending.
func (c *Client) NextReviewSheet(ctx context.Context) (*importer.ReviewSheet, error) {
	var resp importer.ReviewSheet
	err := c.do(ctx, http.MethodGet, "adjudication/next", nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}

// AdjudicateSheet applies mark resolutions to one side of a sheet.
func (c *Client) AdjudicateSheet(ctx context.Context, sheetID string, side domain.Side, marks []domain.MarkAdjudication) (domain.Sheet, error) {
	body := map[string]any{
		"side":  string(side),
		"marks": marks,
	}
	var resp domain.Sheet
	endpoint := fmt.Sprintf("sheets/%s/adjudicate", url.PathEscape(sheetID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ConfigureElection stores the election definition on the station.
func (c *Client) ConfigureElection(ctx context.Context, def domain.ElectionDefinition) error {
	body := map[string]any{"election": def}
	return c.do(ctx, http.MethodPut, "config/election", body, nil)
}

// Unconfigure removes the election and all ballot data.
func (c *Client) Unconfigure(ctx context.Context, ignoreBackupRequirement bool) error {
	endpoint := "config/election"
	if ignoreBackupRequirement {
		endpoint += "?ignore_backup_requirement=true"
	}
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// AddTemplates registers ballot page layouts.
func (c *Client) AddTemplates(ctx context.Context, layouts []domain.PageLayout) error {
	body := map[string]any{"layouts": layouts}
	return c.do(ctx, http.MethodPost, "config/templates", body, nil)
}

// FinalizeTemplates marks the registered layout set as complete.
func (c *Client) FinalizeTemplates(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "config/templates/finalize", struct{}{}, nil)
}

// SetTestMode flips test mode, zeroing ballot data.
func (c *Client) SetTestMode(ctx context.Context, enabled bool) error {
	body := map[string]any{"enabled": enabled}
	return c.do(ctx, http.MethodPut, "config/test-mode", body, nil)
}

// Backup records that an export of the station's data was taken.
func (c *Client) Backup(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "backup", struct{}{}, nil)
}

// Zero deletes all batches and sheets.
func (c *Client) Zero(ctx context.Context, ignoreBackupRequirement bool) error {
	endpoint := "zero"
	if ignoreBackupRequirement {
		endpoint += "?ignore_backup_requirement=true"
	}
	return c.do(ctx, http.MethodPost, endpoint, struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
