package ingest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Fairness decides which job's task a worker gets next.
type Fairness int

const (
	// FairnessRoundRobin rotates over jobs with queued tasks.
	FairnessRoundRobin Fairness = iota
	// FairnessFIFO hands out tasks in global insertion order.
	FairnessFIFO
)

func ParseFairness(s string) (Fairness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "roundrobin":
		return FairnessRoundRobin, nil
	case "fifo":
		return FairnessFIFO, nil
	default:
		return 0, fmt.Errorf("unknown fairness policy %q", s)
	}
}

func (f Fairness) String() string {
	if f == FairnessFIFO {
		return "fifo"
	}
	return "round-robin"
}

// TaskStats counts the tasks of a job, or of all jobs, known to the scheduler.
type TaskStats struct {
	DataSourceQueued int `json:"data_source_queued"`
	FileQueued       int `json:"file_queued"`
	Running          int `json:"running"`
}

func (s TaskStats) Queued() int {
	return s.DataSourceQueued + s.FileQueued
}

func (s *TaskStats) add(o TaskStats) {
	s.DataSourceQueued += o.DataSourceQueued
	s.FileQueued += o.FileQueued
	s.Running += o.Running
}

func (s *TaskStats) count(k TaskKind, n int) {
	if k == TaskDataSource {
		s.DataSourceQueued += n
	} else {
		s.FileQueued += n
	}
}

type jobQueue struct {
	tasks []Task
	stats TaskStats
}

// Scheduler holds the queued tasks of every running job. Tasks of a single job
// are handed out in the order they were enqueued.
type Scheduler struct {
	fairness Fairness

	mx     sync.Mutex
	queues map[int64]*jobQueue
	ring   []int64 // jobs with queued tasks, in order of arrival
	cursor int
	seq    uint64
	wake   chan struct{}
	closed bool
}

func NewScheduler(fairness Fairness) *Scheduler {
	return &Scheduler{
		fairness: fairness,
		queues:   make(map[int64]*jobQueue),
		wake:     make(chan struct{}),
	}
}

func (s *Scheduler) Enqueue(tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	for _, t := range tasks {
		s.seq++
		t.seq = s.seq
		q, ok := s.queues[t.jobID]
		if !ok {
			q = &jobQueue{}
			s.queues[t.jobID] = q
		}
		if len(q.tasks) == 0 {
			s.ring = append(s.ring, t.jobID)
		}
		q.tasks = append(q.tasks, t)
		q.stats.count(t.Kind, 1)
	}
	s.broadcast()
	return nil
}

// Next blocks until a task is available, ctx is done or the scheduler is
// closed. Every task returned must be passed to Done once executed.
func (s *Scheduler) Next(ctx context.Context) (Task, error) {
	for {
		s.mx.Lock()
		if t, ok := s.pop(); ok {
			s.mx.Unlock()
			return t, nil
		}
		if s.closed {
			s.mx.Unlock()
			return Task{}, ErrSchedulerClosed
		}
		wake := s.wake
		s.mx.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-wake:
		}
	}
}

func (s *Scheduler) Done(t Task) {
	s.mx.Lock()
	defer s.mx.Unlock()
	q, ok := s.queues[t.jobID]
	if !ok {
		return
	}
	q.stats.Running--
	s.forget(t.jobID, q)
}

// Drop removes every queued task of a job and returns what was removed.
// Running tasks are not affected.
func (s *Scheduler) Drop(jobID int64) TaskStats {
	s.mx.Lock()
	defer s.mx.Unlock()
	q, ok := s.queues[jobID]
	if !ok {
		return TaskStats{}
	}
	dropped := TaskStats{
		DataSourceQueued: q.stats.DataSourceQueued,
		FileQueued:       q.stats.FileQueued,
	}
	if len(q.tasks) > 0 {
		s.unlink(jobID)
	}
	clear(q.tasks)
	q.tasks = nil
	q.stats.DataSourceQueued, q.stats.FileQueued = 0, 0
	s.forget(jobID, q)
	return dropped
}

func (s *Scheduler) Stats(jobID int64) TaskStats {
	s.mx.Lock()
	defer s.mx.Unlock()
	if q, ok := s.queues[jobID]; ok {
		return q.stats
	}
	return TaskStats{}
}

func (s *Scheduler) TotalStats() TaskStats {
	s.mx.Lock()
	defer s.mx.Unlock()
	var total TaskStats
	for _, q := range s.queues {
		total.add(q.stats)
	}
	return total
}

// Close wakes every blocked Next. Queued tasks are still handed out, then
// Next returns ErrSchedulerClosed.
func (s *Scheduler) Close() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcast()
}

func (s *Scheduler) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// pop must be called with mx held.
func (s *Scheduler) pop() (Task, bool) {
	if len(s.ring) == 0 {
		return Task{}, false
	}
	var idx int
	switch s.fairness {
	case FairnessFIFO:
		for i, id := range s.ring {
			if s.queues[id].tasks[0].seq < s.queues[s.ring[idx]].tasks[0].seq {
				idx = i
			}
		}
	default:
		if s.cursor >= len(s.ring) {
			s.cursor = 0
		}
		idx = s.cursor
	}

	id := s.ring[idx]
	q := s.queues[id]
	t := q.tasks[0]
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
	q.stats.count(t.Kind, -1)
	q.stats.Running++

	if len(q.tasks) == 0 {
		q.tasks = nil
		s.ring = slices.Delete(s.ring, idx, idx+1)
		// the next job moved into idx
		s.cursor = idx
	} else {
		s.cursor = idx + 1
	}
	return t, true
}

func (s *Scheduler) unlink(jobID int64) {
	idx := slices.Index(s.ring, jobID)
	if idx < 0 {
		return
	}
	s.ring = slices.Delete(s.ring, idx, idx+1)
	if idx < s.cursor {
		s.cursor--
	}
}

func (s *Scheduler) forget(jobID int64, q *jobQueue) {
	if len(q.tasks) == 0 && q.stats.Running <= 0 {
		delete(s.queues, jobID)
	}
}
