// Package grading talks to the external grading server: task status polls,
// PDF dispatch and the per-task WebSocket status channel.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pavelanni/gradeflow/internal/apperr"
)

const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultUploadTimeout = 120 * time.Second

	// maxBody bounds how much of a grading server response is read.
	maxBody = 16 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL is the grading server root, e.g. http://grader:8000.
	BaseURL string
	// WSURL is the WebSocket root. Derived from BaseURL when empty.
	WSURL         string
	FetchTimeout  time.Duration
	UploadTimeout time.Duration
	HTTPClient    *http.Client
}

// Client wraps the grading server's HTTP API.
type Client struct {
	baseURL       string
	wsURL         string
	fetchTimeout  time.Duration
	uploadTimeout time.Duration
	http          *http.Client
}

// New creates a grading client. An empty BaseURL is accepted; calls then
// fail with a configuration error.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:         strings.TrimRight(cfg.WSURL, "/"),
		fetchTimeout:  cfg.FetchTimeout,
		uploadTimeout: cfg.UploadTimeout,
		http:          cfg.HTTPClient,
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	if c.uploadTimeout <= 0 {
		c.uploadTimeout = DefaultUploadTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.wsURL == "" && c.baseURL != "" {
		c.wsURL = deriveWSURL(c.baseURL)
	}
	return c
}

func deriveWSURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return strings.TrimRight(u.String(), "/")
}

// Configured reports whether a grading server URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// TaskStatus is the grading server's answer for one task. Result is kept
// opaque; model.NormalizeResult extracts scores from it.
type TaskStatus struct {
	Status   string          `json:"status"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// FetchTaskStatus polls GET {base}/api/grade/status/{taskID}/.
func (c *Client) FetchTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	body, err := c.FetchRawStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var ts TaskStatus
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("decode task %s status: %w", taskID, err)
	}
	return &ts, nil
}

// FetchRawStatus returns the status response body for taskID verbatim.
func (c *Client) FetchRawStatus(ctx context.Context, taskID string) ([]byte, error) {
	if !c.Configured() {
		return nil, apperr.Configuration("GRADING_SERVER_URL is not set")
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	endpoint := c.baseURL + "/api/grade/status/" + url.PathEscape(taskID) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req, "fetch task status")
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		slog.Warn("grading server returned error", "task_id", taskID, "status", status)
		return nil, apperr.Remote(status, string(body))
	}
	return body, nil
}

// DispatchResult is the grading server's answer to an upload.
type DispatchResult struct {
	TaskID string          `json:"task_id"`
	Raw    json.RawMessage `json:"-"`
}

// Dispatch uploads an exam PDF with its grading guide and returns the task id
// assigned by the grading server.
func (c *Client) Dispatch(ctx context.Context, fileName string, pdf io.Reader, guideJSON string) (*DispatchResult, error) {
	if !json.Valid([]byte(guideJSON)) {
		return nil, apperr.Validation("invalid JSON format in grading_guide_json_str", nil)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("pdf_file", fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, pdf); err != nil {
		return nil, fmt.Errorf("copy pdf: %w", err)
	}
	if err := mw.WriteField("grading_guide_json_str", guideJSON); err != nil {
		return nil, fmt.Errorf("write grading guide: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	status, body, err := c.ForwardUpload(ctx, &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, apperr.Remote(status, string(body))
	}
	var res DispatchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if res.TaskID == "" {
		return nil, apperr.Remote(http.StatusBadGateway, string(body))
	}
	res.Raw = body
	return &res, nil
}

// ForwardUpload posts a multipart body to {base}/api/grade/upload/ as is and
// returns the upstream status and body.
func (c *Client) ForwardUpload(ctx context.Context, body io.Reader, contentType string) (int, []byte, error) {
	if !c.Configured() {
		return 0, nil, apperr.Configuration("GRADING_SERVER_URL is not set")
	}
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/grade/upload/", body)
	if err != nil {
		return 0, nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, "upload exam")
}

func (c *Client) do(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(req.Context(), err) {
			return 0, nil, apperr.Timeout(op, err)
		}
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if isTimeout(req.Context(), err) {
			return 0, nil, apperr.Timeout(op, err)
		}
		return 0, nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return resp.StatusCode, body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
