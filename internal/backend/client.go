// Package backend is a typed HTTP client for the remote job API.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"protoscale/pkg/types"
)

// Client handles API calls to the job backend. BaseURL includes the /api
// prefix, e.g. http://localhost:8000/api.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Limiter throttles outgoing requests when set.
	Limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option { return func(c *Client) { c.APIKey = key } }

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.HTTPClient = hc } }

// WithRateLimit caps requests per second; rps <= 0 disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.Limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsServerError reports whether err is a 5xx from the API.
func IsServerError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode >= 500
}

// UploadFile is one image part of an upload.
type UploadFile struct {
	Name    string
	Content []byte
}

// UploadOptions are the form fields sent alongside the files.
type UploadOptions struct {
	RemoveBackground bool
	AIModel          string
	ShouldTexture    bool
	EnablePBR        bool
	ModelType        string
	SymmetryMode     string
}

// Upload sends POST /upload as multipart/form-data.
func (c *Client) Upload(ctx context.Context, files []UploadFile, opts UploadOptions) (*types.UploadResponse, error) {
	if len(files) == 0 {
		return nil, errors.New("upload: no files")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
	}
	fields := [][2]string{
		{"remove_bg", strconv.FormatBool(opts.RemoveBackground)},
		{"ai_model", opts.AIModel},
		{"should_texture", strconv.FormatBool(opts.ShouldTexture)},
		{"enable_pbr", strconv.FormatBool(opts.EnablePBR)},
	}
	if opts.ModelType != "" {
		fields = append(fields, [2]string{"model_type", opts.ModelType})
	}
	if opts.SymmetryMode != "" {
		fields = append(fields, [2]string{"symmetry_mode", opts.SymmetryMode})
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	var out types.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/upload", mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate sends POST /jobs/{id}/generate-3d. A nil req sends no body.
func (c *Client) Generate(ctx context.Context, jobID string, req *types.GenerateRequest) error {
	if req == nil {
		return c.do(ctx, http.MethodPost, jobPath(jobID, "generate-3d"), "", nil, nil)
	}
	return c.doJSON(ctx, http.MethodPost, jobPath(jobID, "generate-3d"), req, nil)
}

// Status sends GET /jobs/{id}/status.
func (c *Client) Status(ctx context.Context, jobID string) (*types.StatusResponse, error) {
	var out types.StatusResponse
	if err := c.do(ctx, http.MethodGet, jobPath(jobID, "status"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retexture sends POST /jobs/{id}/retexture.
func (c *Client) Retexture(ctx context.Context, jobID string, req types.RetextureRequest) error {
	return c.doJSON(ctx, http.MethodPost, jobPath(jobID, "retexture"), req, nil)
}

// RetextureStatus sends GET /jobs/{id}/retexture/status.
func (c *Client) RetextureStatus(ctx context.Context, jobID string) (*types.RetextureStatusResponse, error) {
	var out types.RetextureStatusResponse
	if err := c.do(ctx, http.MethodGet, jobPath(jobID, "retexture/status"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRetexture sends POST /jobs/{id}/retexture/cancel.
func (c *Client) CancelRetexture(ctx context.Context, jobID string) (*types.RetextureStatusResponse, error) {
	var out types.RetextureStatusResponse
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "retexture/cancel"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs sends GET /jobs.
func (c *Client) ListJobs(ctx context.Context) ([]types.JobListItem, error) {
	var out []types.JobListItem
	if err := c.do(ctx, http.MethodGet, "/jobs", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteJob sends DELETE /jobs/{id}.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), "", nil, nil)
}

// ModelURL is the result model location for a job.
func (c *Client) ModelURL(jobID string) string {
	return c.BaseURL + jobPath(jobID, "result/model.glb")
}

// ThumbnailURL is the thumbnail location for a job.
func (c *Client) ThumbnailURL(jobID string) string {
	return c.BaseURL + jobPath(jobID, "thumbnail")
}

// Thumbnail fetches the thumbnail bytes for a job.
func (c *Client) Thumbnail(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, jobPath(jobID, "thumbnail"), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func jobPath(jobID, suffix string) string {
	return "/jobs/" + url.PathEscape(jobID) + "/" + suffix
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(b), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// send performs the request and converts non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	req.Header.Set("ngrok-skip-browser-warning", "true")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	return resp, nil
}

// errorMessage prefers the FastAPI-style {"detail": "..."} field.
func errorMessage(body []byte) string {
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Detail != "" {
		return er.Detail
	}
	return strings.TrimSpace(string(body))
}
