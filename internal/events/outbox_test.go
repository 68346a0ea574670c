package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO sync_outbox").WithArgs(pgxmock.AnyArg(), "tenant-1", JobFullSync, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if _, err := store.Insert(context.Background(), "tenant-1", JobFullSync, ProviderPayload{ProviderID: uuid.New()}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	now := time.Now().UTC()
	lease := now.Add(5 * time.Minute)
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "tenant_id", "type", "payload", "attempts", "created_at"}).
		AddRow(id, "tenant-1", JobPushEvent, []byte(`{"event_id":"`+uuid.NewString()+`"}`), 1, now)
	mock.ExpectQuery("UPDATE sync_outbox").WithArgs(now, lease, int32(10)).WillReturnRows(rows)

	jobs, err := store.Claim(context.Background(), now, lease, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Attempts != 1 {
		t.Fatalf("unexpected jobs: %#v", jobs)
	}

	mock.ExpectExec("UPDATE sync_outbox").WithArgs(id, pgxmock.AnyArg(), "boom").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkRetry(context.Background(), id, now.Add(time.Minute), "boom"); err != nil {
		t.Fatalf("mark retry failed: %v", err)
	}

	mock.ExpectExec("UPDATE sync_outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	mock.ExpectExec("UPDATE sync_outbox").WithArgs(id, "gone").WillReturnError(errors.New("conn closed"))
	if err := store.MarkFailed(context.Background(), id, "gone"); err == nil {
		t.Fatal("expected mark failed error to propagate")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 30 * time.Second
	cases := map[int]time.Duration{
		0:  30 * time.Second,
		1:  30 * time.Second,
		2:  time.Minute,
		4:  4 * time.Minute,
		20: time.Hour,
	}
	for attempts, want := range cases {
		if got := Backoff(base, attempts); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestDelivererRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue()
	pub := NewPublisher(queue)
	if err := pub.EnqueuePush(ctx, "tenant-1", uuid.New()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobID := queue.Pending(JobPushEvent)[0].ID

	calls := 0
	handler := HandlerFunc(func(context.Context, Job) error {
		calls++
		return errors.New("google unavailable")
	})
	clock := time.Now().Add(time.Minute)
	d := NewDeliverer(queue, handler, nil).WithMaxAttempts(3).WithBaseBackoff(time.Second)
	d.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		d.RunOnce(ctx)
		clock = clock.Add(10 * time.Minute)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	status, lastErr, ok := queue.Status(jobID)
	if !ok || status != JobFailed || lastErr != "google unavailable" {
		t.Fatalf("unexpected status %q (%q)", status, lastErr)
	}

	d.RunOnce(ctx)
	if calls != 3 {
		t.Fatalf("failed job should not be retried, got %d calls", calls)
	}
}

func TestDelivererBackoffHidesJob(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue()
	if _, err := queue.Insert(ctx, "tenant-1", JobFullSync, ProviderPayload{ProviderID: uuid.New()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	calls := 0
	d := NewDeliverer(queue, HandlerFunc(func(context.Context, Job) error {
		calls++
		if calls == 1 {
			return errors.New("rate limited")
		}
		return nil
	}), nil).WithBaseBackoff(time.Minute)
	clock := time.Now().Add(time.Second)
	d.now = func() time.Time { return clock }

	d.RunOnce(ctx)
	clock = clock.Add(30 * time.Second)
	if n := d.RunOnce(ctx); n != 0 || calls != 1 {
		t.Fatalf("job should still be backing off: delivered=%d calls=%d", n, calls)
	}
	clock = clock.Add(time.Minute)
	if n := d.RunOnce(ctx); n != 1 {
		t.Fatalf("expected delivery after backoff, got %d", n)
	}
	if len(queue.Pending("")) != 0 {
		t.Fatal("expected queue to be drained")
	}
}

func TestDelivererPermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue()
	id, err := queue.Insert(ctx, "tenant-1", JobCancelEvent, map[string]string{"event_id": "not-a-uuid"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	d := NewDeliverer(queue, HandlerFunc(func(_ context.Context, job Job) error {
		_, err := DecodeEventPayload(job)
		return err
	}), nil)
	d.now = func() time.Time { return time.Now().Add(time.Second) }

	d.RunOnce(ctx)
	status, _, _ := queue.Status(id)
	if status != JobFailed {
		t.Fatalf("expected failed status, got %q", status)
	}
}
