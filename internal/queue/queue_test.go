package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ksdme/mta/internal/bus"
	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/models/modelstest"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A deliverer that records the messages it is handed and fails for
// the recipients it is told to.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
	fail      map[string]bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, message *models.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delivered = append(f.delivered, message.To)
	if f.fail[message.To] {
		return errors.Errorf("%s: connection refused", message.To)
	}
	return nil
}

func (f *fakeDeliverer) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func enqueue(t *testing.T, store *models.Store, to string, createdAt time.Time) *models.EmailMessage {
	t.Helper()

	message := &models.EmailMessage{
		To:        to,
		Subject:   "Hello",
		Body:      "<p>Hello</p>",
		FromEmail: "team@example.com",
		CreatedAt: createdAt,
	}
	require.NoError(t, models.EnqueueMessage(context.Background(), store.DB, message))
	return message
}

func reload(t *testing.T, store *models.Store, id int64) *models.EmailMessage {
	t.Helper()
	message, err := models.GetMessage(context.Background(), store.DB, id)
	require.NoError(t, err)
	return message
}

func TestBackoff(t *testing.T) {
	expected := []time.Duration{30, 60, 120, 240, 480}
	for i, seconds := range expected {
		assert.Equal(t, seconds*time.Second, Backoff(30*time.Second, i+1))
	}
	assert.Equal(t, 30*time.Second, Backoff(30*time.Second, 0))
}

func TestRetryUntilFailed(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{fail: map[string]bool{"someone@remote.test": true}}

	scheduler := NewScheduler(store, deliverer, nil, nil, DefaultOptions())
	clock := time.Now().UTC()
	scheduler.now = func() time.Time { return clock }

	message := enqueue(t, store, "someone@remote.test", clock.Add(-time.Minute))

	for attempt := 1; attempt <= 4; attempt++ {
		picked, err := scheduler.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, picked)

		saved := reload(t, store, message.ID)
		assert.Equal(t, models.StatusRetrying, saved.Status)
		assert.Equal(t, attempt, saved.Attempts)
		assert.Contains(t, saved.LastError, "connection refused")

		delay := Backoff(30*time.Second, attempt)
		assert.WithinDuration(t, clock.Add(delay), saved.NextAttemptAfter, time.Millisecond)

		// Not due until the backoff has elapsed.
		clock = clock.Add(delay - time.Second)
		picked, err = scheduler.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, picked)

		clock = clock.Add(2 * time.Second)
	}

	_, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	saved := reload(t, store, message.ID)
	assert.Equal(t, models.StatusFailed, saved.Status)
	assert.Equal(t, 5, saved.Attempts)
	assert.True(t, saved.NextAttemptAfter.IsZero())

	// Failed is terminal.
	clock = clock.Add(24 * time.Hour)
	picked, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, picked)
	assert.Len(t, deliverer.all(), 5)
}

func TestSuccessMarksSent(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{fail: map[string]bool{"someone@remote.test": true}}
	scheduler := NewScheduler(store, deliverer, nil, nil, DefaultOptions())

	clock := time.Now().UTC()
	scheduler.now = func() time.Time { return clock }
	message := enqueue(t, store, "someone@remote.test", clock)

	_, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	deliverer.fail = nil
	clock = clock.Add(time.Minute)
	_, err = scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	saved := reload(t, store, message.ID)
	assert.Equal(t, models.StatusSent, saved.Status)
	assert.Equal(t, 1, saved.Attempts)
	assert.Empty(t, saved.LastError)
	assert.WithinDuration(t, clock, saved.SentAt, time.Millisecond)
}

func TestBatchOrderAndIsolation(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{fail: map[string]bool{"first@remote.test": true}}
	scheduler := NewScheduler(store, deliverer, nil, nil, DefaultOptions())

	base := time.Now().UTC().Add(-time.Hour)
	second := enqueue(t, store, "second@remote.test", base.Add(time.Second))
	first := enqueue(t, store, "first@remote.test", base)

	picked, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, picked)

	assert.Equal(t, []string{"first@remote.test", "second@remote.test"}, deliverer.all())
	assert.Equal(t, models.StatusRetrying, reload(t, store, first.ID).Status)
	assert.Equal(t, models.StatusSent, reload(t, store, second.ID).Status)
}

func TestBatchSize(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{}

	opts := DefaultOptions()
	opts.BatchSize = 2
	opts.Workers = 2
	scheduler := NewScheduler(store, deliverer, nil, nil, opts)

	base := time.Now().UTC().Add(-time.Hour)
	for i, to := range []string{"a@remote.test", "b@remote.test", "c@remote.test"} {
		enqueue(t, store, to, base.Add(time.Duration(i)*time.Second))
	}

	picked, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, picked)
	assert.ElementsMatch(t, []string{"a@remote.test", "b@remote.test"}, deliverer.all())
}

func TestLockedMessagesAreSkipped(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{}
	locker := NewLocalLocker()
	scheduler := NewScheduler(store, deliverer, locker, nil, DefaultOptions())

	message := enqueue(t, store, "someone@remote.test", time.Now().UTC())

	release, ok, err := locker.TryLock(context.Background(), message.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deliverer.all())
	assert.Equal(t, models.StatusPending, reload(t, store, message.ID).Status)

	release()
	_, err = scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, reload(t, store, message.ID).Status)
}

// A store that fails the first few polls.
type flakyStore struct {
	*models.Store

	mu       sync.Mutex
	failures int
}

func (f *flakyStore) DueMessages(ctx context.Context, at time.Time, limit int) ([]*models.EmailMessage, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.DueMessages(ctx, at, limit)
}

func TestRunSurvivesCycleErrors(t *testing.T) {
	store := &flakyStore{Store: models.NewStore(modelstest.NewDB(t)), failures: 2}
	deliverer := &fakeDeliverer{}

	opts := DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	scheduler := NewScheduler(store, deliverer, nil, nil, opts)

	enqueue(t, store.Store, "someone@remote.test", time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(deliverer.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestWakeSkipsTheWait(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{}
	wake := bus.NewSignalBus[struct{}]()

	opts := DefaultOptions()
	opts.PollInterval = time.Hour
	scheduler := NewScheduler(store, deliverer, nil, wake, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Run(ctx)

	enqueue(t, store, "someone@remote.test", time.Now().UTC())

	require.Eventually(t, func() bool {
		wake.Emit(WakeTopic, struct{}{})
		return len(deliverer.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopReleasesWakeWaiters(t *testing.T) {
	store := models.NewStore(modelstest.NewDB(t))
	deliverer := &fakeDeliverer{}
	wake := bus.NewSignalBus[struct{}]()

	aborted := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, ok := wake.Wait(ctx, WakeTopic)
		aborted <- ok
	}()

	opts := DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	scheduler := NewScheduler(store, deliverer, nil, wake, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	enqueue(t, store, "someone@remote.test", time.Now().UTC())
	require.Eventually(t, func() bool {
		return len(deliverer.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	select {
	case ok := <-aborted:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestRedisLocker(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, server.Exists("lock:mta:message:42"))

	_, ok, err = locker.TryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other messages are independent.
	releaseOther, ok, err := locker.TryLock(ctx, 43)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseOther()

	release()
	assert.False(t, server.Exists("lock:mta:message:42"))

	_, ok, err = locker.TryLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired locks can be taken over.
	server.FastForward(2 * time.Minute)
	_, ok, err = locker.TryLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}
