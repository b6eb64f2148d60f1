// Package jobs is the entry point for submitting correction jobs and
// reading back their progress and outputs. It also rebuilds scheduler
// state from the registry after a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"correctord/internal/artifacts"
	"correctord/internal/eventbus"
	"correctord/internal/plans"
	"correctord/internal/ratelimit"
	"correctord/internal/registry"
	"correctord/internal/scheduler"
	"correctord/pkg/logx"

	"github.com/google/uuid"
)

// DefaultMode is used when a submission names no mode.
const DefaultMode = "rapido"

type SubmitRequest struct {
	UserID      string   `json:"-"`
	ProjectID   string   `json:"project_id"`
	DocumentIDs []string `json:"document_ids"`
	Mode        string   `json:"mode,omitempty"`
	UseAI       bool     `json:"use_ai"`
}

type SubmitResult struct {
	JobID             string   `json:"run_id"`
	AcceptedDocuments []string `json:"accepted_documents"`
	Dropped           []string `json:"dropped_documents,omitempty"`
	Queued            int      `json:"queued"`
}

type StatusResult struct {
	JobID              string `json:"run_id"`
	Status             string `json:"status"`
	ProcessedDocuments int    `json:"processed_documents"`
	TotalDocuments     int    `json:"total_documents"`
}

type Artifact struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Size     int64  `json:"size"`
}

type Suggestion struct {
	ID         string `json:"id"`
	JobID      string `json:"run_id"`
	DocumentID string `json:"document_id"`
	TokenID    int    `json:"token_id"`
	Line       int    `json:"line"`
	Type       string `json:"suggestion_type"`
	Severity   string `json:"severity"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Reason     string `json:"reason,omitempty"`
	Source     string `json:"source"`
	Context    string `json:"context,omitempty"`
	Sentence   string `json:"sentence,omitempty"`
	Status     string `json:"status"`
}

type Option func(*Service)

func WithLimiter(l ratelimit.Limiter) Option { return func(s *Service) { s.limiter = l } }
func WithBus(b eventbus.Bus) Option          { return func(s *Service) { s.bus = b } }
func WithLogger(l logx.Logger) Option        { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

// WithNotify registers a callback run after new work is enqueued.
func WithNotify(fn func()) Option { return func(s *Service) { s.notify = fn } }

type Service struct {
	reg     registry.Registry
	sched   *scheduler.Scheduler
	limiter ratelimit.Limiter
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	notify  func()
}

func NewService(reg registry.Registry, sched *scheduler.Scheduler, opts ...Option) *Service {
	s := &Service{
		reg:     reg,
		sched:   sched,
		limiter: ratelimit.None{},
		bus:     eventbus.Nop(),
		now:     time.Now,
		notify:  func() {},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Limits returns the plan limits of a user; unknown users get the free plan.
func (s *Service) Limits(ctx context.Context, userID string) (plans.Limits, error) {
	u, err := s.reg.GetUser(ctx, userID)
	if errors.Is(err, registry.ErrNotFound) {
		return plans.Free, nil
	}
	if err != nil {
		return plans.Limits{}, err
	}
	return plans.Lookup(u.Plan), nil
}

// Submit creates a job with one task per accepted document and queues it.
// Documents beyond the plan's per-run limit are dropped, in order.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	limits, err := s.Limits(ctx, req.UserID)
	if err != nil {
		return SubmitResult{}, err
	}
	proj, err := s.reg.GetProject(ctx, req.ProjectID)
	if errors.Is(err, registry.ErrNotFound) || (err == nil && proj.OwnerID != req.UserID) {
		return SubmitResult{}, ErrProjectNotFound
	}
	if err != nil {
		return SubmitResult{}, err
	}

	ids := dedupe(req.DocumentIDs)
	if len(ids) == 0 {
		return SubmitResult{}, ErrNoDocuments
	}
	for _, id := range ids {
		d, err := s.reg.GetDocument(ctx, id)
		if errors.Is(err, registry.ErrNotFound) || (err == nil && d.ProjectID != proj.ID) {
			return SubmitResult{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		if err != nil {
			return SubmitResult{}, err
		}
	}

	// Only well-formed submissions spend a token.
	if ok, err := s.limiter.Allow(ctx, req.UserID, limits.RateLimitRPM); err != nil {
		s.log.Warn("ratelimit.unavailable", logx.String("user", req.UserID), logx.Err(err))
	} else if !ok {
		return SubmitResult{}, ErrRateLimited
	}

	accepted, dropped := ids, []string(nil)
	if len(ids) > limits.MaxDocsPerRun {
		accepted, dropped = ids[:limits.MaxDocsPerRun], ids[limits.MaxDocsPerRun:]
	}
	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = DefaultMode
	}
	useAI := req.UseAI && limits.AIEnabled

	job := registry.Job{
		ID:          uuid.NewString(),
		OwnerUserID: req.UserID,
		ProjectID:   proj.ID,
		Mode:        mode,
		Status:      registry.JobQueued,
		CreatedAt:   s.now(),
	}
	tasks := make([]registry.Task, 0, len(accepted))
	for i, id := range accepted {
		tasks = append(tasks, registry.Task{ID: uuid.NewString(), DocumentID: id, Position: i, UseAI: useAI})
	}
	if err := s.reg.CreateJob(ctx, job, tasks); err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	s.sched.RegisterUser(scheduler.User{ID: req.UserID, Plan: limits.Name})
	queued := s.sched.EnqueueJob(scheduler.Job{
		UserID:      req.UserID,
		JobID:       job.ID,
		ProjectID:   proj.ID,
		DocumentIDs: accepted,
		Mode:        mode,
		UseAI:       useAI,
	})
	s.notify()

	s.bus.Publish(eventbus.Event{Type: eventbus.JobSubmitted, Time: s.now(), Data: eventbus.Payload{
		UserID: req.UserID, ProjectID: proj.ID, JobID: job.ID, Count: queued,
	}})
	s.log.Info("job.submitted",
		logx.String("job", job.ID),
		logx.String("user", req.UserID),
		logx.Int("documents", len(accepted)),
		logx.Int("dropped", len(dropped)))

	return SubmitResult{JobID: job.ID, AcceptedDocuments: accepted, Dropped: dropped, Queued: queued}, nil
}

// Status derives a job's progress from its task records. A failed or
// canceled job reports that status regardless of task progress.
func (s *Service) Status(ctx context.Context, jobID string) (StatusResult, error) {
	job, err := s.reg.GetJob(ctx, jobID)
	if err != nil {
		return StatusResult{}, err
	}
	tasks, err := s.reg.ListTasks(ctx, jobID)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{JobID: job.ID, TotalDocuments: len(tasks)}
	running := false
	for _, t := range tasks {
		switch t.Status {
		case registry.TaskCompleted:
			res.ProcessedDocuments++
		case registry.TaskProcessing:
			running = true
		}
	}
	switch {
	case job.Status == registry.JobFailed || job.Status == registry.JobCanceled:
		res.Status = string(job.Status)
	case res.TotalDocuments > 0 && res.ProcessedDocuments == res.TotalDocuments:
		res.Status = string(registry.JobCompleted)
	case res.ProcessedDocuments > 0 || running:
		res.Status = string(registry.JobProcessing)
	default:
		res.Status = string(registry.JobQueued)
	}
	return res, nil
}

// Owner returns the id of the user who submitted the job.
func (s *Service) Owner(ctx context.Context, jobID string) (string, error) {
	job, err := s.reg.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.OwnerUserID, nil
}

// Suggestions lists the job's persisted suggestions, optionally only those
// in one review status.
func (s *Service) Suggestions(ctx context.Context, jobID, status string) ([]Suggestion, error) {
	if status != "" && !validReview(status, true) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, err := s.reg.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	items, err := s.reg.ListSuggestions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]Suggestion, 0, len(items))
	for _, it := range items {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, suggestionView(it))
	}
	return out, nil
}

// Suggestion returns one suggestion by id.
func (s *Service) Suggestion(ctx context.Context, id string) (Suggestion, error) {
	it, err := s.reg.GetSuggestion(ctx, id)
	if err != nil {
		return Suggestion{}, err
	}
	return suggestionView(it), nil
}

// SetSuggestionStatus accepts or rejects one suggestion.
func (s *Service) SetSuggestionStatus(ctx context.Context, id, status string) (Suggestion, error) {
	if !validReview(status, false) {
		return Suggestion{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := s.reg.UpdateSuggestionStatus(ctx, id, status); err != nil {
		return Suggestion{}, err
	}
	s.log.Debug("suggestion.reviewed", logx.String("suggestion", id), logx.String("status", status))
	return s.Suggestion(ctx, id)
}

// ResolveSuggestions accepts or rejects every still pending suggestion of
// the job and returns how many changed.
func (s *Service) ResolveSuggestions(ctx context.Context, jobID, status string) (int, error) {
	if !validReview(status, false) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, err := s.reg.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	n, err := s.reg.ResolvePendingSuggestions(ctx, jobID, status)
	if err != nil {
		return 0, err
	}
	s.log.Info("suggestions.resolved", logx.String("job", jobID), logx.String("status", status), logx.Int("count", n))
	return n, nil
}

func validReview(status string, allowPending bool) bool {
	switch status {
	case registry.SuggestionAccepted, registry.SuggestionRejected:
		return true
	case registry.SuggestionPending:
		return allowPending
	}
	return false
}

func suggestionView(it registry.Suggestion) Suggestion {
	return Suggestion{
		ID:         it.ID,
		JobID:      it.JobID,
		DocumentID: it.DocumentID,
		TokenID:    it.TokenID,
		Line:       it.Line,
		Type:       it.Type,
		Severity:   it.Severity,
		Before:     it.Before,
		After:      it.After,
		Reason:     it.Reason,
		Source:     it.Source,
		Context:    it.Context,
		Sentence:   it.Sentence,
		Status:     it.Status,
	}
}

// ListArtifacts lists the job's output files. Files missing on disk report size 0.
func (s *Service) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	if _, err := s.reg.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	exports, err := s.reg.ListExports(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(exports))
	for _, e := range exports {
		var size int64
		if fi, err := os.Stat(e.Path); err == nil {
			size = fi.Size()
		}
		out = append(out, Artifact{
			ID:       e.ID,
			Kind:     e.Kind,
			Name:     filepath.Base(e.Path),
			Category: artifacts.Category(e.Path),
			Size:     size,
		})
	}
	return out, nil
}

// Recover re-enqueues every queued task found in the registry, oldest job
// first. Tasks left processing by a crashed worker are not touched; they
// come back through lease expiry. It returns the number of tasks enqueued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.reg.QueuedTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queued tasks: %w", err)
	}
	n := s.enqueuePending(pending)
	if n > 0 {
		s.notify()
	}
	s.log.Info("scheduler.recovered", logx.Int("tasks", n))
	return n, nil
}

func (s *Service) enqueuePending(pending []registry.PendingTask) int {
	n := 0
	for _, p := range pending {
		if s.sched.Tracked(p.Job.ID, p.Task.DocumentID) {
			continue
		}
		s.sched.RegisterUser(scheduler.User{ID: p.Job.OwnerUserID, Plan: p.Plan})
		n += s.sched.EnqueueJob(scheduler.Job{
			UserID:      p.Job.OwnerUserID,
			JobID:       p.Job.ID,
			ProjectID:   p.Job.ProjectID,
			DocumentIDs: []string{p.Task.DocumentID},
			Mode:        p.Job.Mode,
			UseAI:       p.Task.UseAI,
		})
	}
	return n
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
