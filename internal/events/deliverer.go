package events

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/medspa-calendar/internal/observability/metrics"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

const maxBackoff = time.Hour

// DeliveryHandler executes one job.
type DeliveryHandler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to DeliveryHandler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Backoff returns base * 2^(attempts-1), capped at one hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Deliverer polls the queue and invokes the handler.
type Deliverer struct {
	queue       Queue
	handler     DeliveryHandler
	logger      *logging.Logger
	metrics     *metrics.CalendarMetrics
	batchSize   int32
	interval    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	lease       time.Duration
	now         func() time.Time
}

func NewDeliverer(queue Queue, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		queue:       queue,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 8,
		baseBackoff: 30 * time.Second,
		lease:       5 * time.Minute,
		now:         time.Now,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Deliverer) WithBaseBackoff(base time.Duration) *Deliverer {
	if base > 0 {
		d.baseBackoff = base
	}
	return d
}

func (d *Deliverer) WithMetrics(m *metrics.CalendarMetrics) *Deliverer {
	d.metrics = m
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.queue == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce drains one batch and returns how many jobs were handled successfully.
func (d *Deliverer) RunOnce(ctx context.Context) int {
	now := d.now()
	jobs, err := d.queue.Claim(ctx, now, now.Add(d.lease), d.batchSize)
	if err != nil {
		d.logger.Error("outbox claim failed", "error", err)
		return 0
	}
	delivered := 0
	for _, job := range jobs {
		if err := d.handler.Handle(ctx, job); err != nil {
			d.fail(ctx, job, err)
			continue
		}
		delivered++
		d.metrics.ObserveJob(job.Type, "delivered")
		if ok, err := d.queue.MarkDelivered(ctx, job.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "job_id", job.ID)
		} else if ok {
			d.logger.Debug("outbox delivered", "job_id", job.ID, "type", job.Type)
		}
	}
	return delivered
}

func (d *Deliverer) fail(ctx context.Context, job Job, err error) {
	if IsPermanent(err) || job.Attempts >= d.maxAttempts {
		d.metrics.ObserveJob(job.Type, "failed")
		d.logger.Error("outbox job failed", "error", err, "job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
		if markErr := d.queue.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			d.logger.Error("failed to mark outbox failed", "error", markErr, "job_id", job.ID)
		}
		return
	}
	next := d.now().Add(Backoff(d.baseBackoff, job.Attempts))
	d.metrics.ObserveJob(job.Type, "retry")
	d.logger.Warn("outbox job will retry", "error", err, "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "next_attempt_at", next)
	if markErr := d.queue.MarkRetry(ctx, job.ID, next, err.Error()); markErr != nil {
		d.logger.Error("failed to schedule outbox retry", "error", markErr, "job_id", job.ID)
	}
}
