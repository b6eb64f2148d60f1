package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"correctord/pkg/logx"
)

// Registry is the persistence API used by the worker, job service and CLI.
type Registry interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)

	PutProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)

	PutDocument(ctx context.Context, d Document) error
	GetDocument(ctx context.Context, id string) (Document, error)

	// CreateJob stores the job and all of its tasks in one transaction.
	CreateJob(ctx context.Context, j Job, tasks []Task) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListTasks(ctx context.Context, jobID string) ([]Task, error)
	GetTask(ctx context.Context, jobID, documentID string) (Task, error)

	// TryLock leases the task if it is unlocked or its lease is older than TTL.
	// On success the task becomes processing and its attempt count grows by one;
	// the parent job leaves queued. A missing or held task returns ok=false.
	TryLock(ctx context.Context, req LockRequest) (t Task, ok bool, err error)
	// RenewLease refreshes locked_at/heartbeat_at while workerID still owns the lease.
	RenewLease(ctx context.Context, taskID, workerID string, now time.Time) (bool, error)
	// CompleteTask stores exports, completes the task and, when it was the
	// last incomplete one, the job. jobCompleted reports the latter. An export
	// whose path is already recorded for the job is not stored again.
	CompleteTask(ctx context.Context, taskID string, exports []Export, now time.Time) (jobCompleted bool, err error)
	// FailTask marks the task and its job failed. The first failure keeps the
	// job's finished_at; jobFailed reports whether this call failed the job.
	FailTask(ctx context.Context, taskID, reason string, now time.Time) (jobFailed bool, err error)

	AddSuggestions(ctx context.Context, s []Suggestion) error
	ListSuggestions(ctx context.Context, jobID string) ([]Suggestion, error)
	GetSuggestion(ctx context.Context, id string) (Suggestion, error)
	// UpdateSuggestionStatus sets the review status of one suggestion.
	UpdateSuggestionStatus(ctx context.Context, id, status string) error
	// ResolvePendingSuggestions moves every pending suggestion of the job to
	// status and returns how many changed.
	ResolvePendingSuggestions(ctx context.Context, jobID, status string) (int, error)
	ListExports(ctx context.Context, jobID string) ([]Export, error)

	// QueuedTasks lists queued tasks in submission order.
	QueuedTasks(ctx context.Context) ([]PendingTask, error)
	// ExpiredLeases lists processing tasks whose lease was taken before the cutoff.
	ExpiredLeases(ctx context.Context, before time.Time) ([]PendingTask, error)

	Close() error
}

// Open initializes the configured registry.
func Open(cfg Config, log logx.Logger) (Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown registry driver: " + driver)
	}
}
