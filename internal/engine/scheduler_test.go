package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// gatedStore blocks the first "sending" report until release is closed.
type gatedStore struct {
	*fakeBackend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpdateScheduledItemStatus(ctx context.Context, id string, update StatusUpdate) error {
	if update.Status == StatusSending && g.entered != nil {
		entered := g.entered
		g.entered = nil
		close(entered)
		<-g.release
	}
	return g.fakeBackend.UpdateScheduledItemStatus(ctx, id, update)
}

func newTestScheduler(t *testing.T, store ScheduleStore, actuator Actuator, clock clockwork.Clock, backoff BackoffFunc) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(store, ActuatorDeliverer{Actuator: actuator}, SchedulerOptions{
		Backoff: backoff,
		Clock:   clock,
	})
	require.NoError(t, err)
	t.Cleanup(scheduler.Close)
	return scheduler
}

func statusIs(s *Scheduler, id string, want ItemStatus) func() bool {
	return func() bool {
		item, ok := s.Status(id)
		return ok && item.Status == want
	}
}

func TestSchedulerDeliversWhenDue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)

	item := ScheduledItem{
		ID:        "m1",
		Action:    "send",
		Payload:   map[string]any{"to": "+15550100", "body": "running late"},
		ExecuteAt: clock.Now().Add(5000 * time.Millisecond),
		Status:    StatusPending,
	}
	backend.putItem(item)
	require.NoError(t, scheduler.Schedule(context.Background(), item))

	clock.Advance(4 * time.Second)
	require.Never(t, func() bool { return actuator.callCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, statusIs(scheduler, "m1", StatusSent), time.Second, 5*time.Millisecond)
	require.Equal(t, 1, actuator.callCount())
	require.Eventually(t, func() bool {
		reports := backend.reportsFor("m1")
		return len(reports) == 2 && reports[0] == StatusSending && reports[1] == StatusSent
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerPastDueRunsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)

	require.NoError(t, scheduler.Schedule(context.Background(), ScheduledItem{
		ID:        "late",
		ExecuteAt: clock.Now().Add(-time.Hour),
	}))
	require.Eventually(t, statusIs(scheduler, "late", StatusSent), time.Second, 5*time.Millisecond)
	require.Equal(t, 1, actuator.callCount())
}

func TestSchedulerFailsAfterMaxRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{failures: -1, err: errors.New("modem offline")}
	scheduler := newTestScheduler(t, backend, actuator, clock, FixedBackoff(time.Minute))

	require.NoError(t, scheduler.Schedule(context.Background(), ScheduledItem{ID: "m2", ExecuteAt: clock.Now()}))

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		attempt := attempt
		require.Eventually(t, func() bool {
			item, ok := scheduler.Status("m2")
			return ok && item.Status == StatusPending && item.RetryCount == attempt
		}, time.Second, 5*time.Millisecond)
		item, _ := scheduler.Status("m2")
		require.NotNil(t, item.NextAttemptAt)
		require.True(t, item.NextAttemptAt.Equal(clock.Now().Add(time.Minute)))
		clock.Advance(time.Minute)
	}

	require.Eventually(t, statusIs(scheduler, "m2", StatusFailed), time.Second, 5*time.Millisecond)
	item, _ := scheduler.Status("m2")
	require.Equal(t, DefaultMaxRetries, item.RetryCount)
	require.Contains(t, item.LastError, "modem offline")
	require.Equal(t, DefaultMaxRetries, actuator.callCount())
	require.Eventually(t, func() bool {
		reports := backend.reportsFor("m2")
		return len(reports) == 6 && reports[5] == StatusFailed
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []ItemStatus{StatusSending, StatusPending, StatusSending, StatusPending, StatusSending, StatusFailed}, backend.reportsFor("m2"))
}

func TestSchedulerRecoversAfterTransientFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{failures: 1}
	scheduler := newTestScheduler(t, backend, actuator, clock, FixedBackoff(30*time.Second))

	require.NoError(t, scheduler.Schedule(context.Background(), ScheduledItem{ID: "m3", ExecuteAt: clock.Now()}))
	require.Eventually(t, func() bool {
		item, ok := scheduler.Status("m3")
		return ok && item.Status == StatusPending && item.RetryCount == 1
	}, time.Second, 5*time.Millisecond)

	clock.Advance(30 * time.Second)
	require.Eventually(t, statusIs(scheduler, "m3", StatusSent), time.Second, 5*time.Millisecond)
	item, _ := scheduler.Status("m3")
	require.Equal(t, 1, item.RetryCount)
	require.Empty(t, item.LastError)
}

func TestSchedulerCancelBeforeFire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, ScheduledItem{ID: "m4", ExecuteAt: clock.Now().Add(time.Minute)}))
	require.Equal(t, []string{"m4"}, scheduler.Armed())
	require.NoError(t, scheduler.Cancel(ctx, "m4"))

	clock.Advance(2 * time.Minute)
	require.Never(t, func() bool { return actuator.callCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
	require.Empty(t, scheduler.Armed())
	require.Equal(t, []ItemStatus{StatusCancelled}, backend.reportsFor("m4"))

	require.ErrorIs(t, scheduler.Cancel(ctx, "m4"), ErrInvalidState)
}

func TestSchedulerCancelWhileSendingBeforeCommit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &gatedStore{
		fakeBackend: newFakeBackend(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	entered := store.entered
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, store, actuator, clock, nil)
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, ScheduledItem{ID: "m5", ExecuteAt: clock.Now()}))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("scheduler never reported sending")
	}
	require.True(t, statusIs(scheduler, "m5", StatusSending)())

	require.NoError(t, scheduler.Cancel(ctx, "m5"))
	close(store.release)

	require.Never(t, func() bool { return actuator.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	item, _ := scheduler.Status("m5")
	require.Equal(t, StatusCancelled, item.Status)
}

func TestSchedulerCancelUnknownLeavesTombstone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)
	ctx := context.Background()

	require.NoError(t, scheduler.Cancel(ctx, "ghost"))
	require.Equal(t, []ItemStatus{StatusCancelled}, backend.reportsFor("ghost"))

	// A stale pending copy appearing later must not be armed.
	backend.putItem(ScheduledItem{ID: "ghost", Status: StatusPending, ExecuteAt: clock.Now()})
	armed, err := scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Zero(t, armed)
	require.Never(t, func() bool { return actuator.callCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestSchedulerRescanArmsOnlyUnknownItems(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)
	ctx := context.Background()

	known := ScheduledItem{ID: "a", Status: StatusPending, ExecuteAt: clock.Now().Add(time.Hour)}
	backend.putItem(known)
	require.NoError(t, scheduler.Schedule(ctx, known))
	backend.putItem(ScheduledItem{ID: "b", Status: StatusPending, ExecuteAt: clock.Now().Add(time.Hour)})
	backend.putItem(ScheduledItem{ID: "c", Status: StatusSending, ExecuteAt: clock.Now().Add(-time.Minute)})
	backend.putItem(ScheduledItem{ID: "d", Status: StatusSent, ExecuteAt: clock.Now().Add(-time.Minute)})

	armed, err := scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, armed)

	require.Eventually(t, statusIs(scheduler, "c", StatusSent), time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b"}, scheduler.Armed())

	armed, err = scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Zero(t, armed)
	require.Equal(t, 1, actuator.callCount())
}

func TestSchedulerRescanRetriesFailedReports(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, ScheduledItem{ID: "r1", ExecuteAt: clock.Now().Add(time.Minute)}))
	backend.mu.Lock()
	backend.updateErr = &TransientError{Op: "update", Err: errors.New("relay unreachable")}
	backend.mu.Unlock()
	require.Error(t, scheduler.Cancel(ctx, "r1"))
	require.Empty(t, backend.reportsFor("r1"))

	backend.mu.Lock()
	backend.updateErr = nil
	backend.mu.Unlock()
	_, err := scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Equal(t, []ItemStatus{StatusCancelled}, backend.reportsFor("r1"))
}

func TestSchedulerRescanHonoursCancelRequest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)
	ctx := context.Background()

	backend.putItem(ScheduledItem{ID: "known", Status: StatusPending, ExecuteAt: clock.Now().Add(time.Minute)})
	armed, err := scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, armed)

	// The device was away past the staleness window, so only the flag is left.
	backend.requestCancel("known", clock.Now())
	backend.putItem(ScheduledItem{ID: "unseen", Status: StatusPending, ExecuteAt: clock.Now().Add(time.Minute), CancelRequested: true})
	clock.Advance(DefaultStalenessWindow + time.Second)

	armed, err = scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Zero(t, armed)
	require.True(t, statusIs(scheduler, "known", StatusCancelled)())
	require.True(t, statusIs(scheduler, "unseen", StatusCancelled)())
	require.Equal(t, []ItemStatus{StatusCancelled}, backend.reportsFor("known"))
	require.Equal(t, []ItemStatus{StatusCancelled}, backend.reportsFor("unseen"))
	require.Empty(t, scheduler.Armed())

	clock.Advance(time.Hour)
	require.Never(t, func() bool { return actuator.callCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	armed, err = scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Zero(t, armed)
	require.Len(t, backend.reportsFor("known"), 1)
}

func TestSchedulerRescanIgnoresCancelRequestAfterCommit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := newFakeBackend()
	actuator := &recordingActuator{}
	scheduler := newTestScheduler(t, backend, actuator, clock, nil)
	ctx := context.Background()

	backend.putItem(ScheduledItem{ID: "done", Status: StatusPending, ExecuteAt: clock.Now()})
	_, err := scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.Eventually(t, statusIs(scheduler, "done", StatusSent), time.Second, 5*time.Millisecond)

	// A request that lost the race with delivery leaves the item sent.
	backend.mu.Lock()
	item := backend.items["done"]
	item.Status = StatusPending
	item.CancelRequested = true
	backend.items["done"] = item
	backend.mu.Unlock()
	_, err = scheduler.Rescan(ctx)
	require.NoError(t, err)
	require.True(t, statusIs(scheduler, "done", StatusSent)())
	require.Equal(t, 1, actuator.callCount())
}

func TestSchedulerScheduleValidation(t *testing.T) {
	scheduler := newTestScheduler(t, newFakeBackend(), &recordingActuator{}, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	require.ErrorIs(t, scheduler.Schedule(ctx, ScheduledItem{}), ErrInvalidInput)
	require.ErrorIs(t, scheduler.Schedule(ctx, ScheduledItem{ID: "x", Status: StatusSent}), ErrInvalidState)

	scheduler.Close()
	require.ErrorIs(t, scheduler.Schedule(ctx, ScheduledItem{ID: "y"}), ErrStopped)
}

func TestExponentialBackoffIsBounded(t *testing.T) {
	backoff := ExponentialBackoff(time.Second, 10*time.Second)
	require.Equal(t, time.Second, backoff(1))
	require.Equal(t, 2*time.Second, backoff(2))
	require.Equal(t, 8*time.Second, backoff(4))
	require.Equal(t, 10*time.Second, backoff(5))
	require.Equal(t, 10*time.Second, backoff(50))
}
