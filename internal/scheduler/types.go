package scheduler

import (
	"time"

	"correctord/internal/plans"
)

// User is the scheduler-local projection of an account: id plus plan.
type User struct {
	ID   string
	Plan string
}

// Job is what a submission hands to EnqueueJob.
type Job struct {
	UserID      string
	JobID       string
	ProjectID   string
	DocumentIDs []string
	Mode        string
	UseAI       bool
}

// DocumentTask is the in-memory scheduling unit for one document of one job.
type DocumentTask struct {
	ProjectID  string
	DocumentID string
	UserID     string
	JobID      string
	Mode       string
	UseAI      bool
	CreatedAt  time.Time
}

func (t DocumentTask) key() taskKey { return taskKey{jobID: t.JobID, documentID: t.DocumentID} }

type taskKey struct {
	jobID      string
	documentID string
}

// Snapshot is a point-in-time view used by metrics and diagnostics.
type Snapshot struct {
	SystemMaxWorkers int
	ActiveTotal      int
	QueuedTotal      int
	Users            []UserSnapshot
}

type UserSnapshot struct {
	ID         string
	Plan       string
	Queued     int
	Active     int
	ActiveJobs []string
}

type userState struct {
	id     string
	limits plans.Limits
	queue  []DocumentTask
	active int
	// per job: tasks currently dispatched and not yet finished.
	jobs map[string]int
}

func (u *userState) queuedFor(jobID string) bool {
	for _, t := range u.queue {
		if t.JobID == jobID {
			return true
		}
	}
	return false
}
