package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/devicesync/internal/engine"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is a wake notification pushed by the relay stream.
type Event struct {
	Type      string    `json:"type"`
	Namespace string    `json:"namespace,omitempty"`
	ID        string    `json:"id,omitempty"`
	At        time.Time `json:"at"`
}

// Stream opens one websocket to the relay and calls onEvent for every frame
// until the connection drops or ctx is done.
func (c *Client) Stream(ctx context.Context, onEvent func(Event)) error {
	if !c.IsAuthenticated(ctx) {
		return engine.ErrAuthenticationRequired
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.currentToken())
	header.Set("X-Correlation-Id", correlationID())
	conn, resp, err := websocket.Dial(ctx, c.streamURL(), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.markRejected()
			return fmt.Errorf("stream: %w", engine.ErrAuthenticationRequired)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &engine.TransientError{Op: "stream", Err: err}
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	c.markAccepted()

	for {
		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &engine.TransientError{Op: "stream", Err: err}
		}
		onEvent(event)
	}
}

// Watch keeps a stream open, reconnecting with backoff, until ctx is done.
// While the token is rejected it waits for the reauth interval or a new
// token before dialing again.
func (c *Client) Watch(ctx context.Context, onEvent func(Event)) error {
	attempt := 0
	for {
		started := c.clock.Now()
		err := c.Stream(ctx, onEvent)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, engine.ErrAuthenticationRequired) {
			c.logf("relay stream paused: token rejected")
			if waitErr := c.waitForAuth(ctx); waitErr != nil {
				return waitErr
			}
			attempt = 0
			continue
		}
		if c.clock.Since(started) > c.maxDelay {
			attempt = 0
		}
		attempt++
		c.logf("relay stream dropped, reconnecting: %v", err)
		if waitErr := waitWithContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
			return waitErr
		}
	}
}

func (c *Client) waitForAuth(ctx context.Context) error {
	for !c.IsAuthenticated(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.maxDelay):
		}
	}
	return nil
}

func (c *Client) streamURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.devicePath("stream")
}
