// Package client talks to the relay over HTTP. A Client bound to one device
// implements engine.Backend for the device agent and also carries the
// controller calls used by devicesyncctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/jonboulle/clockwork"
)

// DefaultReauthInterval is how long a rejected token stays parked before the
// client lets one request through to see whether the relay accepts it again.
const DefaultReauthInterval = time.Minute

type Logger interface {
	Printf(format string, args ...any)
}

// HTTPError is a non-2xx relay response. Err holds the engine sentinel the
// status maps to, if any.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

type Options struct {
	BaseURL    string
	DeviceID   string
	Token      string
	HTTPClient *http.Client
	// MaxRetries bounds retries of network failures, 429 and 5xx inside one
	// call. After that the call fails with a *engine.TransientError.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     Logger
	// ReauthInterval spaces out requests made with a rejected token.
	ReauthInterval time.Duration
	Clock          clockwork.Clock
}

type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
	reauth     time.Duration
	clock      clockwork.Clock

	mu         sync.RWMutex
	token      string
	rejected   bool
	rejectedAt time.Time
}

// StateRecord is the relay's view of a namespace's latest state.
type StateRecord struct {
	Namespace string               `json:"namespace"`
	Snapshot  engine.StateSnapshot `json:"snapshot"`
	Revision  string               `json:"revision"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

var _ engine.Backend = (*Client)(nil)

func New(opts Options) (*Client, error) {
	deviceID := strings.TrimSpace(opts.DeviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	reauth := opts.ReauthInterval
	if reauth <= 0 {
		reauth = DefaultReauthInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		baseURL:    baseURL,
		deviceID:   deviceID,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
		reauth:     reauth,
		clock:      clock,
		token:      strings.TrimSpace(opts.Token),
	}, nil
}

func (c *Client) DeviceID() string {
	return c.deviceID
}

// IsAuthenticated reports whether a token is configured and usable. A token
// the relay rejected counts as usable again once the reauth interval has
// passed, so a relay that starts accepting it again is noticed.
func (c *Client) IsAuthenticated(_ context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return false
	}
	return !c.rejected || c.clock.Since(c.rejectedAt) >= c.reauth
}

// Token returns the bearer token currently in use.
func (c *Client) Token() string {
	return c.currentToken()
}

// SetToken installs a new token and clears a previous rejection.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
	c.rejected = false
	c.rejectedAt = time.Time{}
}

func (c *Client) FetchPendingCommands(ctx context.Context, namespace string, limit int) ([]engine.Command, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Commands []engine.Command `json:"commands"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.namespacePath(namespace, "commands")+"?"+q.Encode(), nil, &out)
	return out.Commands, err
}

// AcknowledgeCommand deletes a command from the relay queue. A command that
// is already gone counts as acknowledged.
func (c *Client) AcknowledgeCommand(ctx context.Context, namespace, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.namespacePath(namespace, "commands")+"/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) PushState(ctx context.Context, namespace string, snapshot engine.StateSnapshot) error {
	body := map[string]any{"snapshot": snapshot}
	return c.doJSON(ctx, http.MethodPut, c.namespacePath(namespace, "state"), body, nil)
}

func (c *Client) FetchScheduledItems(ctx context.Context, status engine.ItemStatus) ([]engine.ScheduledItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var out struct {
		Items []engine.ScheduledItem `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.devicePath("scheduled")+"?"+q.Encode(), nil, &out)
	return out.Items, err
}

func (c *Client) UpdateScheduledItemStatus(ctx context.Context, id string, update engine.StatusUpdate) error {
	return c.doJSON(ctx, http.MethodPatch, c.devicePath("scheduled", id), update, nil)
}

func (c *Client) MirrorWrite(ctx context.Context, record engine.MirroredRecord) error {
	return c.doJSON(ctx, http.MethodPost, c.devicePath("mirror", record.Stream), record, nil)
}

func (c *Client) MirrorDelete(ctx context.Context, stream, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.devicePath("mirror", stream, id), nil, nil)
}

func (c *Client) MirrorList(ctx context.Context, stream string) ([]engine.MirroredRecord, error) {
	var out struct {
		Records []engine.MirroredRecord `json:"records"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.devicePath("mirror", stream), nil, &out)
	return out.Records, err
}

// EnqueueCommand queues a command for the device. Used by controllers.
func (c *Client) EnqueueCommand(ctx context.Context, namespace, action string, args map[string]any) (engine.Command, error) {
	var out engine.Command
	body := engine.Command{Action: action, Args: args}
	err := c.doJSON(ctx, http.MethodPost, c.namespacePath(namespace, "commands"), body, &out)
	return out, err
}

func (c *Client) GetState(ctx context.Context, namespace string) (StateRecord, error) {
	var out StateRecord
	err := c.doJSON(ctx, http.MethodGet, c.namespacePath(namespace, "state"), nil, &out)
	return out, err
}

func (c *Client) CreateScheduledItem(ctx context.Context, item engine.ScheduledItem) (engine.ScheduledItem, error) {
	var out engine.ScheduledItem
	err := c.doJSON(ctx, http.MethodPost, c.devicePath("scheduled"), item, &out)
	return out, err
}

func (c *Client) GetScheduledItem(ctx context.Context, id string) (engine.ScheduledItem, error) {
	var out engine.ScheduledItem
	err := c.doJSON(ctx, http.MethodGet, c.devicePath("scheduled", id), nil, &out)
	return out, err
}

// CancelScheduledItem asks the device to cancel an item. The returned command
// is what the device will execute; the item status changes once it does.
func (c *Client) CancelScheduledItem(ctx context.Context, id string) (engine.Command, error) {
	var out engine.Command
	err := c.doJSON(ctx, http.MethodPost, c.devicePath("scheduled", id, "cancel"), nil, &out)
	return out, err
}

// BackendStatus returns the relay's admin status document.
func (c *Client) BackendStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/backends", nil, &out)
	return out, err
}

func (c *Client) devicePath(segments ...string) string {
	var b strings.Builder
	b.WriteString("/v1/devices/")
	b.WriteString(url.PathEscape(c.deviceID))
	for _, segment := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

func (c *Client) namespacePath(namespace, resource string) string {
	return c.devicePath("namespaces", namespace, resource)
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) markRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
	c.rejectedAt = c.clock.Now()
}

func (c *Client) markAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejected {
		c.rejected = false
		c.rejectedAt = time.Time{}
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	if !c.IsAuthenticated(ctx) {
		return fmt.Errorf("%s %s: %w", method, requestPath, engine.ErrAuthenticationRequired)
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	op := method + " " + requestPath
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.currentToken())
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &engine.TransientError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &engine.TransientError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			c.markAccepted()
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		switch {
		case retryable:
			return &engine.TransientError{Op: op, Err: httpErr}
		case resp.StatusCode == http.StatusUnauthorized:
			c.markRejected()
			c.logf("relay rejected token on %s: %s", op, errPayload.Message)
			httpErr.Err = engine.ErrAuthenticationRequired
		case resp.StatusCode == http.StatusForbidden:
			httpErr.Err = engine.ErrPermissionDenied
		case resp.StatusCode == http.StatusNotFound:
			httpErr.Err = engine.ErrNotFound
		case resp.StatusCode == http.StatusConflict:
			httpErr.Err = engine.ErrInvalidState
		case resp.StatusCode == http.StatusBadRequest:
			httpErr.Err = engine.ErrInvalidInput
		}
		return httpErr
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func correlationID() string {
	return fmt.Sprintf("dsync_%d", time.Now().UnixNano())
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
