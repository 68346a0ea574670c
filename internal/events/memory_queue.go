package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
)

type memoryJob struct {
	job       Job
	seq       int64
	status    JobStatus
	nextAt    time.Time
	lastError string
}

// MemoryQueue is an in-process Queue for local development and tests.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*memoryJob
	seq  int64
	now  func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[uuid.UUID]*memoryJob), now: time.Now}
}

func (q *MemoryQueue) Insert(_ context.Context, tenantID, jobType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	id := uuid.New()
	q.seq++
	q.jobs[id] = &memoryJob{
		job:    Job{ID: id, TenantID: tenantID, Type: jobType, Payload: data, CreatedAt: now},
		seq:    q.seq,
		status: JobPending,
		nextAt: now,
	}
	return id, nil
}

func (q *MemoryQueue) Claim(_ context.Context, now, leaseUntil time.Time, limit int32) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*memoryJob
	for _, j := range q.jobs {
		if j.status == JobPending && !j.nextAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].seq < due[k].seq })
	if limit > 0 && len(due) > int(limit) {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.job.Attempts++
		j.nextAt = leaseUntil
		out = append(out, j.job)
	}
	return out, nil
}

func (q *MemoryQueue) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.status != JobPending {
		return false, nil
	}
	j.status = JobDelivered
	j.lastError = ""
	return true, nil
}

func (q *MemoryQueue) MarkRetry(_ context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok && j.status == JobPending {
		j.nextAt = next
		j.lastError = lastErr
	}
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id uuid.UUID, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok && j.status == JobPending {
		j.status = JobFailed
		j.lastError = lastErr
	}
	return nil
}

// Status reports a job's state and last error.
func (q *MemoryQueue) Status(id uuid.UUID) (JobStatus, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return "", "", false
	}
	return j.status, j.lastError, true
}

// Pending returns pending jobs of the given type, oldest first. An empty
// type matches all.
func (q *MemoryQueue) Pending(jobType string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched []*memoryJob
	for _, j := range q.jobs {
		if j.status == JobPending && (jobType == "" || j.job.Type == jobType) {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq < matched[k].seq })
	out := make([]Job, 0, len(matched))
	for _, j := range matched {
		out = append(out, j.job)
	}
	return out
}
