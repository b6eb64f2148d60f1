package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"correctord/internal/correction"
	"correctord/internal/eventbus"
	"correctord/internal/ratelimit"
	"correctord/internal/registry"
	"correctord/internal/scheduler"
	"correctord/internal/worker"
	"correctord/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t     *testing.T
	dir   string
	reg   registry.Registry
	sched *scheduler.Scheduler
	svc   *Service
	now   time.Time
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(registry.Config{Path: filepath.Join(dir, "reg.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	e := &env{t: t, dir: dir, reg: reg, sched: scheduler.New(2), now: time.UnixMilli(1_700_000_000_000)}
	opts = append([]Option{WithClock(func() time.Time { return e.now })}, opts...)
	e.svc = NewService(reg, e.sched, opts...)
	return e
}

func (e *env) user(id, plan string, docIDs ...string) {
	ctx := context.Background()
	require.NoError(e.t, e.reg.PutUser(ctx, registry.User{ID: id, Email: id + "@example.com", Plan: plan}))
	require.NoError(e.t, e.reg.PutProject(ctx, registry.Project{ID: "p-" + id, OwnerID: id, Name: "libro"}))
	for _, d := range docIDs {
		path := filepath.Join(e.dir, "docs", id, d+".txt")
		require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(e.t, os.WriteFile(path, []byte("Texto de "+d+"."), 0o644))
		require.NoError(e.t, e.reg.PutDocument(ctx, registry.Document{ID: d, ProjectID: "p-" + id, Name: d + ".txt", Path: path, Kind: "txt"}))
	}
}

func (e *env) worker() *worker.Worker {
	return worker.New(worker.Config{ID: "w1", ArtifactsDir: filepath.Join(e.dir, "artifacts")},
		worker.Deps{Registry: e.reg, Scheduler: e.sched, Correctors: correction.Set{Rule: correction.RuleCorrector{}}})
}

func TestSubmitValidates(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "premium", "d1")
	e.user("u2", "premium", "x1")
	ctx := context.Background()

	_, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "nope", DocumentIDs: []string{"d1"}})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u2", DocumentIDs: []string{"x1"}})
	assert.ErrorIs(t, err, ErrProjectNotFound, "projects of other users are invisible")

	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{" ", ""}})
	assert.ErrorIs(t, err, ErrNoDocuments)

	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1", "x1"}})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	assert.Zero(t, e.sched.Snapshot().QueuedTotal)
}

func TestSubmitTruncatesAndQueues(t *testing.T) {
	var notified int
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	e := newEnv(t, WithNotify(func() { notified++ }), WithBus(bus))
	e.user("u1", "premium", "d1", "d2", "d3", "d4")
	ctx := context.Background()

	res, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1", "d2", "d2", "d3", "d4"}, UseAI: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, res.AcceptedDocuments)
	assert.Equal(t, []string{"d4"}, res.Dropped)
	assert.Equal(t, 3, res.Queued)
	assert.Equal(t, 1, notified)

	job, err := e.reg.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, job.Mode)
	assert.Equal(t, registry.JobQueued, job.Status)

	tasks, err := e.reg.ListTasks(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].UseAI)

	q := e.sched.Queued("u1")
	require.Len(t, q, 3)
	assert.Equal(t, "d1", q[0].DocumentID)

	ev := <-events
	assert.Equal(t, eventbus.JobSubmitted, ev.Type)
	assert.Equal(t, res.JobID, ev.Data.JobID)
}

type denyAfter struct {
	n    int
	rpms []int
}

func (d *denyAfter) Allow(_ context.Context, _ string, rpm int) (bool, error) {
	d.rpms = append(d.rpms, rpm)
	return len(d.rpms) <= d.n, nil
}

func TestSubmitRateLimited(t *testing.T) {
	lim := &denyAfter{n: 1}
	e := newEnv(t, WithLimiter(lim))
	e.user("u1", "free", "d1")
	ctx := context.Background()

	_, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1"}})
	require.NoError(t, err)
	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1"}})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, []int{60, 60}, lim.rpms, "free plan allowance")
}

func TestRejectedSubmissionsDoNotSpendRateLimit(t *testing.T) {
	lim := &denyAfter{n: 1}
	e := newEnv(t, WithLimiter(lim))
	e.user("u1", "free", "d1")
	ctx := context.Background()

	_, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "nope", DocumentIDs: []string{"d1"}})
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1"})
	assert.ErrorIs(t, err, ErrNoDocuments)
	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Empty(t, lim.rpms)

	_, err = e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1"}})
	require.NoError(t, err)
	assert.Len(t, lim.rpms, 1)
}

func TestSubmitWithMemoryLimiter(t *testing.T) {
	e := newEnv(t, WithLimiter(ratelimit.NewMemory()))
	e.user("u1", "premium", "d1")
	_, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1"}})
	require.NoError(t, err)
}

func TestStatusDerivation(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "premium", "d1", "d2")
	ctx := context.Background()

	res, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1", "d2"}})
	require.NoError(t, err)

	st, err := e.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{JobID: res.JobID, Status: "queued", TotalDocuments: 2}, st)

	_, ok, err := e.reg.TryLock(ctx, registry.LockRequest{JobID: res.JobID, DocumentID: "d1", WorkerID: "w", Now: e.now, TTL: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)
	st, err = e.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "processing", st.Status)
	assert.Zero(t, st.ProcessedDocuments)

	task, err := e.reg.GetTask(ctx, res.JobID, "d1")
	require.NoError(t, err)
	_, err = e.reg.FailTask(ctx, task.ID, "engine error: x", e.now)
	require.NoError(t, err)
	st, err = e.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "failed", st.Status)

	_, err = e.svc.Status(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestBasicFlowScenario(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "free", "d1", "d2")
	ctx := context.Background()

	// Two queued tasks persisted for a free user; recovery enqueues both.
	require.NoError(t, e.reg.CreateJob(ctx, registry.Job{ID: "j1", OwnerUserID: "u1", ProjectID: "p-u1", Mode: "rapido", CreatedAt: e.now},
		[]registry.Task{{ID: "t1", DocumentID: "d1"}, {ID: "t2", DocumentID: "d2", Position: 1}}))
	n, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	w := e.worker()
	for i := 0; i < 2; i++ {
		task, ok := e.sched.TryDispatch()
		require.True(t, ok)
		_, again := e.sched.TryDispatch()
		assert.False(t, again, "free plan runs one document at a time")
		require.NoError(t, w.Process(ctx, task))
	}

	st, err := e.svc.Status(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusResult{JobID: "j1", Status: "completed", ProcessedDocuments: 2, TotalDocuments: 2}, st)

	arts, err := e.svc.ListArtifacts(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, arts, 10)
	cats := map[string]int{}
	for _, a := range arts {
		cats[a.Category]++
		if a.Category != "log_jsonl" {
			assert.Positive(t, a.Size, a.Name)
		}
	}
	assert.Equal(t, map[string]int{"corrected": 2, "log_jsonl": 2, "report_docx": 2, "changelog_csv": 2, "summary_md": 2}, cats)
}

func TestPlanCeilingSerializesJobs(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "free", "d1", "d2")
	ctx := context.Background()

	first, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d1"}})
	require.NoError(t, err)
	second, err := e.svc.Submit(ctx, SubmitRequest{UserID: "u1", ProjectID: "p-u1", DocumentIDs: []string{"d2"}})
	require.NoError(t, err)

	task, ok := e.sched.TryDispatch()
	require.True(t, ok)
	assert.Equal(t, first.JobID, task.JobID)
	_, ok = e.sched.TryDispatch()
	assert.False(t, ok, "second job waits for the first")

	require.NoError(t, e.worker().Process(ctx, task))

	task, ok = e.sched.TryDispatch()
	require.True(t, ok)
	assert.Equal(t, second.JobID, task.JobID)
}

func TestRecoveryScenario(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "premium")
	ctx := context.Background()

	require.NoError(t, e.reg.CreateJob(ctx, registry.Job{ID: "j1", OwnerUserID: "u1", ProjectID: "p-u1", Mode: "rapido", CreatedAt: e.now},
		[]registry.Task{{ID: "t1", DocumentID: "a"}, {ID: "t2", DocumentID: "b", Position: 1}, {ID: "t3", DocumentID: "c", Position: 2, UseAI: true}}))
	require.NoError(t, e.reg.CreateJob(ctx, registry.Job{ID: "j2", OwnerUserID: "u1", ProjectID: "p-u1", Mode: "rapido", CreatedAt: e.now.Add(time.Second)},
		[]registry.Task{{ID: "t4", DocumentID: "z", Status: registry.TaskProcessing}}))

	n, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	q := e.sched.Queued("u1")
	require.Len(t, q, 3)
	for i, d := range []string{"a", "b", "c"} {
		assert.Equal(t, "j1", q[i].JobID)
		assert.Equal(t, d, q[i].DocumentID)
	}
	assert.True(t, q[2].UseAI)
	assert.Equal(t, "premium", e.sched.Snapshot().Users[0].Plan)

	n, err = e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "tasks already queued are not enqueued twice")
}

func TestListArtifactsUnknownJob(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.ListArtifacts(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestLimitsDefaultsToFree(t *testing.T) {
	e := newEnv(t)
	l, err := e.svc.Limits(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "free", l.Name)
}

func TestSuggestionReview(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "premium", "d1")
	ctx := context.Background()

	require.NoError(t, e.reg.CreateJob(ctx, registry.Job{ID: "j1", OwnerUserID: "u1", ProjectID: "p-u1", Mode: "rapido", CreatedAt: e.now},
		[]registry.Task{{ID: "t1", DocumentID: "d1"}}))
	require.NoError(t, e.reg.AddSuggestions(ctx, []registry.Suggestion{
		{ID: "s1", JobID: "j1", DocumentID: "d1", TokenID: 2, Type: "lexico", Severity: "info", Before: "baca", After: "vaca", Source: "rule"},
		{ID: "s2", JobID: "j1", DocumentID: "d1", TokenID: 8, Type: "lexico", Severity: "info", Before: "vello", After: "bello", Source: "rule"},
	}))

	all, err := e.svc.Suggestions(ctx, "j1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "pending", all[0].Status)
	assert.Equal(t, "j1", all[0].JobID)

	got, err := e.svc.SetSuggestionStatus(ctx, "s1", registry.SuggestionAccepted)
	require.NoError(t, err)
	assert.Equal(t, registry.SuggestionAccepted, got.Status)
	assert.Equal(t, "vaca", got.After)

	_, err = e.svc.SetSuggestionStatus(ctx, "s2", "pending")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = e.svc.SetSuggestionStatus(ctx, "missing", registry.SuggestionRejected)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	pending, err := e.svc.Suggestions(ctx, "j1", registry.SuggestionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].ID)

	n, err := e.svc.ResolveSuggestions(ctx, "j1", registry.SuggestionRejected)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	accepted, err := e.svc.Suggestions(ctx, "j1", registry.SuggestionAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "s1", accepted[0].ID, "resolving only touches pending suggestions")

	_, err = e.svc.Suggestions(ctx, "j1", "maybe")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = e.svc.Suggestions(ctx, "missing", "")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = e.svc.ResolveSuggestions(ctx, "missing", registry.SuggestionAccepted)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
