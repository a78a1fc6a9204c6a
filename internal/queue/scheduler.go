// Package queue drives the outbound queue: it picks up due messages,
// hands them to the delivery pipeline and records the outcome.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ksdme/mta/internal/bus"
	"github.com/ksdme/mta/internal/metrics"
	"github.com/ksdme/mta/internal/models"
	"golang.org/x/sync/errgroup"
)

// Topic on the wake bus that makes the scheduler poll right away.
const WakeTopic int64 = 0

type Store interface {
	DueMessages(ctx context.Context, at time.Time, limit int) ([]*models.EmailMessage, error)
	SaveDeliveryState(ctx context.Context, message *models.EmailMessage) error
}

type Deliverer interface {
	Deliver(ctx context.Context, message *models.EmailMessage) error
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration

	// Messages of a batch attempted at the same time.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 5 * time.Second,
		BatchSize:    10,
		MaxAttempts:  5,
		BaseBackoff:  30 * time.Second,
		Workers:      1,
	}
}

type Scheduler struct {
	store     Store
	deliverer Deliverer
	locker    Locker
	wake      *bus.SignalBus[struct{}]
	opts      Options

	now func() time.Time
}

// Creates a scheduler. The locker defaults to a process local one and
// the wake bus is optional.
func NewScheduler(
	store Store,
	deliverer Deliverer,
	locker Locker,
	wake *bus.SignalBus[struct{}],
	opts Options,
) *Scheduler {
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if locker == nil {
		locker = NewLocalLocker()
	}

	return &Scheduler{
		store:     store,
		deliverer: deliverer,
		locker:    locker,
		wake:      wake,
		opts:      opts,
		now:       time.Now,
	}
}

// Polls the queue until the context is done. A failing cycle is
// logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("queue scheduler started", "interval", s.opts.PollInterval, "batch", s.opts.BatchSize)

	for ctx.Err() == nil {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("queue cycle failed", "err", err)
		}
		s.sleep(ctx)
	}

	// Nobody polls anymore, release whoever is still waiting for a wake up.
	if s.wake != nil {
		s.wake.CleanUp(WakeTopic)
	}
	slog.Info("queue scheduler stopped")
}

// Attempts a single batch of due messages and returns how many were
// picked up.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	messages, err := s.store.DueMessages(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	slog.Debug("picked up due messages", "count", len(messages))

	var group errgroup.Group
	group.SetLimit(s.opts.Workers)
	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		group.Go(func() error {
			s.attempt(ctx, message)
			return nil
		})
	}
	group.Wait()

	return len(messages), nil
}

func (s *Scheduler) attempt(ctx context.Context, message *models.EmailMessage) {
	release, ok, err := s.locker.TryLock(ctx, message.ID)
	if err != nil {
		slog.Error("could not lock message", "message", message.ID, "err", err)
		return
	}
	if !ok {
		slog.Debug("message is locked elsewhere, skipping", "message", message.ID)
		return
	}
	defer release()

	slog.Info("sending message", "message", message.ID, "to", message.To, "attempt", message.Attempts+1)

	started := time.Now()
	err = s.deliverer.Deliver(ctx, message)
	metrics.DeliveryDuration.Observe(time.Since(started).Seconds())

	// An attempt cut short by shutdown does not count.
	if err != nil && ctx.Err() != nil {
		slog.Info("delivery interrupted", "message", message.ID)
		return
	}

	s.record(message, err)

	// The outcome has to be stored even when we are shutting down,
	// otherwise a sent message would be sent again.
	if err := s.store.SaveDeliveryState(context.WithoutCancel(ctx), message); err != nil {
		slog.Error("could not save delivery state", "message", message.ID, "err", err)
	}
}

// Moves a message along its state machine after an attempt.
func (s *Scheduler) record(message *models.EmailMessage, err error) {
	now := s.now().UTC()

	if err == nil {
		message.Status = models.StatusSent
		message.SentAt = now
		message.LastError = ""
		message.NextAttemptAfter = time.Time{}

		slog.Info("message sent", "message", message.ID, "to", message.To)
		metrics.DeliveryAttempts.WithLabelValues("sent").Inc()
		return
	}

	message.Attempts++
	message.LastError = err.Error()

	if message.Attempts >= s.opts.MaxAttempts {
		message.Status = models.StatusFailed
		message.NextAttemptAfter = time.Time{}

		slog.Error("message failed permanently", "message", message.ID, "attempts", message.Attempts, "err", err)
		metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
		return
	}

	message.Status = models.StatusRetrying
	message.NextAttemptAfter = now.Add(Backoff(s.opts.BaseBackoff, message.Attempts))

	slog.Warn(
		"message delivery failed, will retry",
		"message", message.ID,
		"attempts", message.Attempts,
		"next", message.NextAttemptAfter,
		"err", err,
	)
	metrics.DeliveryAttempts.WithLabelValues("retrying").Inc()
}

// The wait before the next attempt after the given number of failed
// attempts, doubling every time.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}

func (s *Scheduler) sleep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PollInterval)
	defer cancel()

	if s.wake != nil {
		s.wake.Wait(ctx, WakeTopic)
		return
	}
	<-ctx.Done()
}
