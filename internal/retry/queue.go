package retry

import (
	"container/heap"
	"errors"
	"sort"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

var ErrDuplicateJob = errors.New("job already queued for this delivery")

// Queue is a min-heap of retry jobs ordered by NextAttemptAt. It keeps a
// job-id to heap-index map for O(log n) cancellation and refuses a second
// job for the same (subscription, event). Queue is not safe for concurrent
// use.
type Queue struct {
	h     jobHeap
	keys  map[domain.DeliveryKey]string
	bySub map[string]int
}

func NewQueue() *Queue {
	return &Queue{
		h:     jobHeap{index: make(map[string]int)},
		keys:  make(map[domain.DeliveryKey]string),
		bySub: make(map[string]int),
	}
}

func (q *Queue) Len() int { return len(q.h.jobs) }

// Push adds job to the queue.
func (q *Queue) Push(job *domain.RetryJob) error {
	if _, ok := q.keys[job.Key()]; ok {
		return ErrDuplicateJob
	}
	if _, ok := q.h.index[job.JobID]; ok {
		return ErrDuplicateJob
	}
	heap.Push(&q.h, job)
	q.keys[job.Key()] = job.JobID
	q.bySub[job.SubscriptionID]++
	return nil
}

func (q *Queue) forget(job *domain.RetryJob) {
	delete(q.keys, job.Key())
	if q.bySub[job.SubscriptionID]--; q.bySub[job.SubscriptionID] <= 0 {
		delete(q.bySub, job.SubscriptionID)
	}
}

// BySubscription counts queued jobs per subscription.
func (q *Queue) BySubscription() map[string]int {
	out := make(map[string]int, len(q.bySub))
	for id, n := range q.bySub {
		out[id] = n
	}
	return out
}

// Peek returns the earliest job without removing it.
func (q *Queue) Peek() *domain.RetryJob {
	if len(q.h.jobs) == 0 {
		return nil
	}
	return q.h.jobs[0]
}

// PopDue removes and returns every job due at or before now, earliest
// first. A limit of zero or less means no limit.
func (q *Queue) PopDue(now time.Time, limit int) []*domain.RetryJob {
	var due []*domain.RetryJob
	for len(q.h.jobs) > 0 && !q.h.jobs[0].NextAttemptAt.After(now) {
		if limit > 0 && len(due) >= limit {
			break
		}
		job := heap.Pop(&q.h).(*domain.RetryJob)
		q.forget(job)
		due = append(due, job)
	}
	return due
}

// Remove deletes the job with jobID.
func (q *Queue) Remove(jobID string) (*domain.RetryJob, bool) {
	i, ok := q.h.index[jobID]
	if !ok {
		return nil, false
	}
	job := heap.Remove(&q.h, i).(*domain.RetryJob)
	q.forget(job)
	return job, true
}

// Get returns the queued job with jobID.
func (q *Queue) Get(jobID string) (*domain.RetryJob, bool) {
	i, ok := q.h.index[jobID]
	if !ok {
		return nil, false
	}
	return q.h.jobs[i], true
}

// Snapshot copies every queued job, ordered by next attempt time.
func (q *Queue) Snapshot() []domain.RetryJob {
	out := make([]domain.RetryJob, len(q.h.jobs))
	for i, j := range q.h.jobs {
		out[i] = *j
	}
	sort.Slice(out, func(i, j int) bool { return before(&out[i], &out[j]) })
	return out
}

// before orders by next attempt time, then higher priority, then age.
func before(a, b *domain.RetryJob) bool {
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

type jobHeap struct {
	jobs  []*domain.RetryJob
	index map[string]int
}

func (h jobHeap) Len() int           { return len(h.jobs) }
func (h jobHeap) Less(i, j int) bool { return before(h.jobs[i], h.jobs[j]) }

func (h jobHeap) Swap(i, j int) {
	h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i]
	h.index[h.jobs[i].JobID] = i
	h.index[h.jobs[j].JobID] = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*domain.RetryJob)
	h.index[job.JobID] = len(h.jobs)
	h.jobs = append(h.jobs, job)
}

func (h *jobHeap) Pop() any {
	n := len(h.jobs)
	job := h.jobs[n-1]
	h.jobs[n-1] = nil
	h.jobs = h.jobs[:n-1]
	delete(h.index, job.JobID)
	return job
}
