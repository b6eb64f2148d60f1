package registry

import "time"

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobExporting  JobStatus = "exporting"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further task outcome can change the job status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Config configures the registry.
//
// Driver values:
//   - "sqlite": Path is the database file
//   - "postgres": DSN is the connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type User struct {
	ID        string
	Email     string
	Plan      string
	CreatedAt time.Time
}

type Project struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

type Document struct {
	ID            string
	ProjectID     string
	Name          string
	Path          string
	Kind          string
	Checksum      string
	ContentBackup []byte
	CreatedAt     time.Time
}

// Job is one correction request ("run") spanning one or more documents.
type Job struct {
	ID          string
	OwnerUserID string
	ProjectID   string
	Mode        string
	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Task is the unit of work for one document within one job.
type Task struct {
	ID           string
	JobID        string
	DocumentID   string
	Position     int
	Status       TaskStatus
	UseAI        bool
	LockedBy     string
	LockedAt     *time.Time
	HeartbeatAt  *time.Time
	AttemptCount int
	LastError    string
}

type Export struct {
	ID         string
	JobID      string
	DocumentID string
	Kind       string
	Path       string
	CreatedAt  time.Time
}

// Suggestion review states.
const (
	SuggestionPending  = "pending"
	SuggestionAccepted = "accepted"
	SuggestionRejected = "rejected"
)

type Suggestion struct {
	ID         string
	JobID      string
	DocumentID string
	TokenID    int
	Line       int
	Type       string
	Severity   string
	Before     string
	After      string
	Reason     string
	Source     string
	Context    string
	Sentence   string
	Status     string
	CreatedAt  time.Time
}

// PendingTask joins a task to its job and the owner's plan, which is what
// the scheduler needs to rebuild its queues.
type PendingTask struct {
	Task Task
	Job  Job
	Plan string
}

// LockRequest asks for a lease on the task of (JobID, DocumentID).
type LockRequest struct {
	JobID      string
	DocumentID string
	WorkerID   string
	Now        time.Time
	TTL        time.Duration
}

func (r LockRequest) expiredBefore() time.Time { return r.Now.Add(-r.TTL) }
