package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "MeterVault/internal/errors"
)

// DefaultHTTPTimeout bounds run queue calls made without a custom client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the run queue service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// APIError carries a non-2xx response from the run queue.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("run queue error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a run queue client. When httpClient is nil a default
// client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid run queue url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("run queue url must be absolute: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitRun implements Service via POST /runs.
func (c *Client) SubmitRun(ctx context.Context, req SubmitRequest) (Run, error) {
	var run Run
	if err := c.post(ctx, "/runs", req, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns implements Service via GET /runs.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RetryRun implements Service via POST /runs/{id}/retry.
func (c *Client) RetryRun(ctx context.Context, id string) (Run, error) {
	if strings.TrimSpace(id) == "" {
		return Run{}, xerrors.New(xerrors.CodeInvalidArgument, "run id is required")
	}
	var run Run
	endpoint := fmt.Sprintf("/runs/%s/retry", url.PathEscape(id))
	if err := c.post(ctx, endpoint, nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConnectivity, err, "reach run queue")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil && len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			if apiErr.Message == "" {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Service = (*Client)(nil)
