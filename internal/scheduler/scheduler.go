// Package scheduler implements fair-share admission of document tasks across users.
//
// Each user has a FIFO queue. TryDispatch scans users in the order they first
// appeared and admits the first head task that fits the system ceiling, the
// user's concurrent-document quota and the user's concurrent-run quota.
package scheduler

import (
	"sync"
	"time"

	"correctord/internal/plans"
	"correctord/pkg/logx"
)

type Scheduler struct {
	mu  sync.Mutex
	log logx.Logger
	now func() time.Time

	systemMax   int
	activeTotal int

	users  map[string]*userState
	order  []string
	active map[taskKey]struct{}
}

type Option func(*Scheduler)

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New builds an empty scheduler. systemMaxWorkers <= 0 selects plans.SystemMaxWorkers.
func New(systemMaxWorkers int, opts ...Option) *Scheduler {
	if systemMaxWorkers <= 0 {
		systemMaxWorkers = plans.SystemMaxWorkers
	}
	s := &Scheduler{
		log:       logx.Nop(),
		now:       time.Now,
		systemMax: systemMaxWorkers,
		users:     make(map[string]*userState),
		active:    make(map[taskKey]struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// RegisterUser upserts the user's plan.
func (s *Scheduler) RegisterUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.userLocked(u.ID)
	st.limits = plans.Lookup(u.Plan)
}

// EnqueueJob appends one task per document to the user's queue, keeping at most
// max_docs_per_run documents in their original order. It returns how many were queued.
func (s *Scheduler) EnqueueJob(j Job) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.userLocked(j.UserID)
	docs := j.DocumentIDs
	if limit := st.limits.MaxDocsPerRun; len(docs) > limit {
		s.log.Debug("job truncated to plan limit",
			logx.String("user_id", j.UserID),
			logx.String("job_id", j.JobID),
			logx.Int("requested", len(docs)),
			logx.Int("kept", limit),
		)
		docs = docs[:limit]
	}
	useAI := j.UseAI && st.limits.AIEnabled
	now := s.now()
	for _, docID := range docs {
		st.queue = append(st.queue, DocumentTask{
			ProjectID:  j.ProjectID,
			DocumentID: docID,
			UserID:     j.UserID,
			JobID:      j.JobID,
			Mode:       j.Mode,
			UseAI:      useAI,
			CreatedAt:  now,
		})
	}
	return len(docs)
}

// TryDispatch pops the first admissible head task, if any. It never blocks.
func (s *Scheduler) TryDispatch() (DocumentTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTotal >= s.systemMax {
		return DocumentTask{}, false
	}
	for _, id := range s.order {
		st := s.users[id]
		if len(st.queue) == 0 {
			continue
		}
		head := st.queue[0]
		if st.active >= st.limits.MaxDocsConcurrent {
			continue
		}
		if _, running := st.jobs[head.JobID]; !running && len(st.jobs) >= st.limits.MaxRunsConcurrent {
			continue
		}

		st.queue[0] = DocumentTask{}
		st.queue = st.queue[1:]
		st.active++
		st.jobs[head.JobID]++
		s.activeTotal++
		s.active[head.key()] = struct{}{}
		return head, true
	}
	return DocumentTask{}, false
}

// Finish releases the slot held by a dispatched task. Finishing a task that is
// not active leaves counters untouched.
func (s *Scheduler) Finish(t DocumentTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.users[t.UserID]
	if !ok {
		return
	}
	k := t.key()
	if _, ok := s.active[k]; ok {
		delete(s.active, k)
		s.activeTotal = clampDec(s.activeTotal)
		st.active = clampDec(st.active)
		if n, ok := st.jobs[t.JobID]; ok {
			st.jobs[t.JobID] = clampDec(n)
		}
	}
	if n, ok := st.jobs[t.JobID]; ok && n == 0 && !st.queuedFor(t.JobID) {
		delete(st.jobs, t.JobID)
	}
}

// Queued returns a copy of the user's pending tasks in dispatch order.
func (s *Scheduler) Queued(userID string) []DocumentTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		return nil
	}
	return append([]DocumentTask(nil), st.queue...)
}

// Tracked reports whether the task is queued or active in this scheduler.
func (s *Scheduler) Tracked(jobID, documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[taskKey{jobID: jobID, documentID: documentID}]; ok {
		return true
	}
	for _, st := range s.users {
		for _, t := range st.queue {
			if t.JobID == jobID && t.DocumentID == documentID {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{SystemMaxWorkers: s.systemMax, ActiveTotal: s.activeTotal}
	for _, id := range s.order {
		st := s.users[id]
		us := UserSnapshot{ID: id, Plan: st.limits.Name, Queued: len(st.queue), Active: st.active}
		for jobID := range st.jobs {
			us.ActiveJobs = append(us.ActiveJobs, jobID)
		}
		snap.QueuedTotal += us.Queued
		snap.Users = append(snap.Users, us)
	}
	return snap
}

func (s *Scheduler) userLocked(id string) *userState {
	st, ok := s.users[id]
	if !ok {
		st = &userState{id: id, limits: plans.Free, jobs: make(map[string]int)}
		s.users[id] = st
		s.order = append(s.order, id)
	}
	return st
}

func clampDec(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}
