package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/agentworkforce/devicesync/internal/httpapi"
	"github.com/agentworkforce/devicesync/internal/relay"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

func newRelay(t *testing.T) (*httptest.Server, *relay.Store) {
	t.Helper()
	store := relay.NewStoreWithOptions(relay.StoreOptions{DisableWorkers: true})
	server := httptest.NewServer(httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret: "test-secret",
		Registry:  prometheus.NewRegistry(),
	}))
	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return server, store
}

func newTestClient(t *testing.T, baseURL string, scopes []string) *Client {
	t.Helper()
	token, err := httpapi.IssueToken("test-secret", "pixel-7", "test", scopes, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	c, err := New(Options{BaseURL: baseURL, DeviceID: "pixel-7", Token: token, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientRoundTripAgainstRelay(t *testing.T) {
	server, store := newRelay(t)
	ctx := context.Background()
	device := newTestClient(t, server.URL, httpapi.DeviceScopes)
	controller := newTestClient(t, server.URL, httpapi.ControllerScopes)

	cmd, err := controller.EnqueueCommand(ctx, "dnd", "set_mode", map[string]any{"mode": "silence"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	commands, err := device.FetchPendingCommands(ctx, "dnd", 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(commands) != 1 || commands[0].ID != cmd.ID || commands[0].Args["mode"] != "silence" {
		t.Fatalf("unexpected commands: %+v", commands)
	}
	if err := device.AcknowledgeCommand(ctx, "dnd", cmd.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := device.AcknowledgeCommand(ctx, "dnd", cmd.ID); err != nil {
		t.Fatalf("expected repeated ack to succeed, got %v", err)
	}

	if err := device.PushState(ctx, "dnd", engine.StateSnapshot{"enabled": true, "mode": "silence"}); err != nil {
		t.Fatalf("push state failed: %v", err)
	}
	record, err := controller.GetState(ctx, "dnd")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if !record.Snapshot.Equal(engine.StateSnapshot{"enabled": true, "mode": "silence"}) {
		t.Fatalf("unexpected snapshot: %+v", record.Snapshot)
	}

	item, err := controller.CreateScheduledItem(ctx, engine.ScheduledItem{
		ID:        "m1",
		ExecuteAt: time.Now().Add(time.Minute),
		Payload:   map[string]any{"to": "+15550100", "body": "hi"},
	})
	if err != nil {
		t.Fatalf("create scheduled failed: %v", err)
	}
	items, err := device.FetchScheduledItems(ctx, engine.StatusPending)
	if err != nil {
		t.Fatalf("fetch scheduled failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("unexpected items: %+v", items)
	}
	if err := device.UpdateScheduledItemStatus(ctx, "m1", engine.StatusUpdate{Status: engine.StatusSent}); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if err := device.UpdateScheduledItemStatus(ctx, "m1", engine.StatusUpdate{Status: engine.StatusPending}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state reopening a sent item, got %v", err)
	}
	if _, err := controller.CancelScheduledItem(ctx, "m1"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state cancelling a sent item, got %v", err)
	}
	got, err := controller.GetScheduledItem(ctx, "m1")
	if err != nil || got.Status != engine.StatusSent {
		t.Fatalf("expected sent item, got %+v err=%v", got, err)
	}

	if err := device.MirrorWrite(ctx, engine.MirroredRecord{Stream: "calls", SourceKey: "call:1"}); err != nil {
		t.Fatalf("mirror write failed: %v", err)
	}
	records, err := device.MirrorList(ctx, "calls")
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one mirrored record, got %+v err=%v", records, err)
	}
	if err := device.MirrorDelete(ctx, "calls", records[0].ID); err != nil {
		t.Fatalf("mirror delete failed: %v", err)
	}
	if err := device.MirrorDelete(ctx, "calls", records[0].ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if status := store.GetBackendStatus(); status.MirrorRecords != 0 {
		t.Fatalf("expected mirror to be empty, got %+v", status)
	}
}

func TestClientPermissionAndValidationErrors(t *testing.T) {
	server, _ := newRelay(t)
	ctx := context.Background()
	device := newTestClient(t, server.URL, httpapi.DeviceScopes)

	if _, err := device.EnqueueCommand(ctx, "dnd", "enable", nil); !errors.Is(err, engine.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for device enqueue, got %v", err)
	}
	controller := newTestClient(t, server.URL, httpapi.ControllerScopes)
	_, err := controller.EnqueueCommand(ctx, "media", "set_volume", map[string]any{"level": 99})
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected *HTTPError 400, got %T %v", err, err)
	}
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/devices/pixel-7/namespaces/media/commands" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"commands":[{"id":"c1","namespace":"media","action":"play","createdAt":"2026-03-01T09:00:00Z"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, httpapi.DeviceScopes)
	commands, err := c.FetchPendingCommands(context.Background(), "media", 5)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(commands) != 1 || commands[0].ID != "c1" {
		t.Fatalf("unexpected commands: %+v", commands)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientExhaustedRetriesAreTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, httpapi.DeviceScopes)
	err := c.PushState(context.Background(), "dnd", engine.StateSnapshot{"enabled": false})
	if !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var transient *engine.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected *engine.TransientError, got %T", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 1 call plus 3 retries, got %d", got)
	}

	server.Close()
	if err := c.PushState(context.Background(), "dnd", engine.StateSnapshot{}); !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("expected transient error for unreachable relay, got %v", err)
	}
}

func TestClientUnauthorizedFlipsAuthentication(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"token expired"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, httpapi.DeviceScopes)
	ctx := context.Background()
	if !c.IsAuthenticated(ctx) {
		t.Fatalf("expected client with token to be authenticated")
	}
	if _, err := c.FetchPendingCommands(ctx, "dnd", 1); !errors.Is(err, engine.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required, got %v", err)
	}
	if c.IsAuthenticated(ctx) {
		t.Fatalf("expected 401 to clear authentication")
	}
	if _, err := c.FetchPendingCommands(ctx, "dnd", 1); !errors.Is(err, engine.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required without a request, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no request after rejection, got %d calls", got)
	}

	c.SetToken("fresh-token")
	if !c.IsAuthenticated(ctx) {
		t.Fatalf("expected new token to restore authentication")
	}
}

func TestClientRetriesRejectedTokenAfterReauthInterval(t *testing.T) {
	var accept atomic.Bool
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if !accept.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"jwt signature mismatch"}`))
			return
		}
		_, _ = w.Write([]byte(`{"commands":[]}`))
	}))
	defer server.Close()

	clock := clockwork.NewFakeClock()
	c, err := New(Options{BaseURL: server.URL, DeviceID: "pixel-7", Token: "tok", Clock: clock, ReauthInterval: time.Minute})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if _, err := c.FetchPendingCommands(ctx, "dnd", 1); !errors.Is(err, engine.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required, got %v", err)
	}
	clock.Advance(30 * time.Second)
	if c.IsAuthenticated(ctx) {
		t.Fatalf("expected rejected token to stay parked inside the interval")
	}

	// Still rejected after the interval: parked again for a full interval.
	clock.Advance(30 * time.Second)
	if !c.IsAuthenticated(ctx) {
		t.Fatalf("expected a retry to be allowed after the interval")
	}
	if _, err := c.FetchPendingCommands(ctx, "dnd", 1); !errors.Is(err, engine.ErrAuthenticationRequired) {
		t.Fatalf("expected second rejection, got %v", err)
	}
	if c.IsAuthenticated(ctx) {
		t.Fatalf("expected second rejection to restart the interval")
	}

	accept.Store(true)
	clock.Advance(time.Minute)
	if _, err := c.FetchPendingCommands(ctx, "dnd", 1); err != nil {
		t.Fatalf("expected relay to accept the token again, got %v", err)
	}
	if !c.IsAuthenticated(ctx) {
		t.Fatalf("expected success to clear the rejection")
	}
	if _, err := c.FetchPendingCommands(ctx, "dnd", 1); err != nil {
		t.Fatalf("expected polling to continue, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 requests, got %d", got)
	}
}

func TestClientRequiresDeviceID(t *testing.T) {
	if _, err := New(Options{BaseURL: "http://relay"}); err == nil {
		t.Fatalf("expected error without device id")
	}
	c, err := New(Options{DeviceID: "pixel-7"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.IsAuthenticated(context.Background()) {
		t.Fatalf("expected client without token to be unauthenticated")
	}
	if got := c.streamURL(); got != "ws://127.0.0.1:8080/v1/devices/pixel-7/stream" {
		t.Fatalf("unexpected stream url %q", got)
	}
}

func TestClientStreamReceivesWakeEvents(t *testing.T) {
	server, store := newRelay(t)
	c := newTestClient(t, server.URL, httpapi.DeviceScopes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(event Event) { events <- event })
	}()

	select {
	case event := <-events:
		if event.Type != httpapi.EventStreamReady {
			t.Fatalf("expected ready event first, got %+v", event)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ready event")
	}

	cmd, err := store.EnqueueCommand("pixel-7", "media", engine.Command{Action: "pause"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case event := <-events:
		if event.Type != relay.EventCommand || event.ID != cmd.ID || event.Namespace != "media" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for command event")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected watch to stop with context canceled, got %v", err)
	}
}
