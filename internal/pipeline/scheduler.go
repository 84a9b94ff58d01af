package pipeline

import (
	"image"
	"sort"
	"sync"
	"sync/atomic"
)

// Scheduler admits at most one ready track per tick into the analysis mailbox.
// The mailbox holds a single job; when it is occupied the candidate is dropped
// so frame ingestion never waits on the classifier.
type Scheduler struct {
	mu       sync.Mutex
	rotation uint64
	mailbox  chan AnalysisJob

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

// NewScheduler creates a scheduler with its own single-slot mailbox
func NewScheduler() *Scheduler {
	return &Scheduler{
		mailbox: make(chan AnalysisJob, 1),
	}
}

// Mailbox returns the consumer side of the mailbox
func (s *Scheduler) Mailbox() <-chan AnalysisJob {
	return s.mailbox
}

// Tick picks the next ready track in rotation and tries a non-blocking submit.
// Returns the chosen track id and whether the job was accepted.
func (s *Scheduler) Tick(ready map[int][]image.Image) (int, bool) {
	if len(ready) == 0 {
		return 0, false
	}

	ids := make([]int, 0, len(ready))
	for id := range ready {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	target := ids[s.rotation%uint64(len(ids))]
	job := AnalysisJob{TrackID: target, Clip: ready[target]}

	select {
	case s.mailbox <- job:
		s.rotation++
		s.submitted.Add(1)
		return target, true
	default:
		s.dropped.Add(1)
		return target, false
	}
}

// Busy reports whether the mailbox slot is occupied
func (s *Scheduler) Busy() bool {
	return len(s.mailbox) == cap(s.mailbox)
}

// Submitted returns the number of accepted jobs
func (s *Scheduler) Submitted() uint64 { return s.submitted.Load() }

// Dropped returns the number of candidates dropped on a full mailbox
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }
