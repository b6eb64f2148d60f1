package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"correctord/internal/correction"
	"correctord/internal/eventbus"
	"correctord/internal/registry"
	"correctord/internal/scheduler"
	"correctord/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	reg   registry.Registry
	sched *scheduler.Scheduler
	bus   eventbus.Bus
	dir   string
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(registry.Config{Driver: "sqlite", Path: filepath.Join(dir, "reg.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return &fixture{
		t:     t,
		reg:   reg,
		sched: scheduler.New(2),
		bus:   eventbus.New(),
		dir:   dir,
		now:   time.UnixMilli(1_700_000_000_000),
	}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) worker(id string, set correction.Set) *Worker {
	return New(Config{ID: id, ArtifactsDir: filepath.Join(f.dir, "artifacts"), PollInterval: 5 * time.Millisecond},
		Deps{Registry: f.reg, Scheduler: f.sched, Correctors: set, Bus: f.bus, Now: f.clock})
}

func (f *fixture) user(id, plan string) {
	ctx := context.Background()
	require.NoError(f.t, f.reg.PutUser(ctx, registry.User{ID: id, Email: id + "@example.com", Plan: plan}))
	require.NoError(f.t, f.reg.PutProject(ctx, registry.Project{ID: "p-" + id, OwnerID: id, Name: "libro"}))
	f.sched.RegisterUser(scheduler.User{ID: id, Plan: plan})
}

// doc stores a text document; an empty body leaves the file absent.
func (f *fixture) doc(userID, docID, name, body string, backup []byte) {
	path := filepath.Join(f.dir, "docs", userID, docID+"_"+name)
	if body != "" {
		require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(f.t, os.WriteFile(path, []byte(body), 0o644))
	}
	require.NoError(f.t, f.reg.PutDocument(context.Background(), registry.Document{
		ID: docID, ProjectID: "p-" + userID, Name: name, Path: path, Kind: "txt", ContentBackup: backup,
	}))
}

func (f *fixture) job(userID, jobID string, useAI bool, docIDs ...string) {
	tasks := make([]registry.Task, 0, len(docIDs))
	for i, d := range docIDs {
		tasks = append(tasks, registry.Task{ID: jobID + "-" + d, DocumentID: d, Position: i, UseAI: useAI})
	}
	require.NoError(f.t, f.reg.CreateJob(context.Background(), registry.Job{
		ID: jobID, OwnerUserID: userID, ProjectID: "p-" + userID, Mode: "rapido", CreatedAt: f.now,
	}, tasks))
	f.sched.EnqueueJob(scheduler.Job{UserID: userID, JobID: jobID, ProjectID: "p-" + userID, DocumentIDs: docIDs, UseAI: useAI})
}

// drain processes dispatched tasks until the scheduler has nothing admissible.
func (f *fixture) drain(w *Worker) {
	for {
		task, ok := f.sched.TryDispatch()
		if !ok {
			return
		}
		_ = w.Process(context.Background(), task)
	}
}

func (f *fixture) jobStatus(id string) registry.JobStatus {
	j, err := f.reg.GetJob(context.Background(), id)
	require.NoError(f.t, err)
	return j.Status
}

const sample = "Puse la maleta en la baca del coche.\nSegunda línea sin cambios."

func TestProcessCompletesJobAndWritesArtifacts(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "capitulo.txt", sample, nil)
	f.job("u1", "j1", false, "d1")

	w := f.worker("w1", correction.Set{Rule: correction.RuleCorrector{}})
	f.drain(w)

	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
	task, err := f.reg.GetTask(context.Background(), "j1", "d1")
	require.NoError(t, err)
	assert.Equal(t, registry.TaskCompleted, task.Status)
	assert.Empty(t, task.LockedBy)

	runDir := filepath.Join(f.dir, "artifacts", "u1", "p-u1", "runs", "j1")
	for _, name := range []string{
		"capitulo.corrected.txt",
		"capitulo.corrections.jsonl",
		"capitulo.corrections.docx",
		"capitulo.changelog.csv",
		"capitulo.summary.md",
	} {
		assert.FileExists(t, filepath.Join(runDir, name))
	}
	corrected, err := os.ReadFile(filepath.Join(runDir, "capitulo.corrected.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(corrected), "vaca del coche")

	exports, err := f.reg.ListExports(context.Background(), "j1")
	require.NoError(t, err)
	assert.Len(t, exports, 5)

	sugg, err := f.reg.ListSuggestions(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, sugg, 1)
	assert.Equal(t, "baca", sugg[0].Before)
	assert.Equal(t, "vaca", sugg[0].After)
	assert.Equal(t, correction.TypeLexico, sugg[0].Type)
	assert.Equal(t, correction.SeverityInfo, sugg[0].Severity)
	assert.Equal(t, "rule", sugg[0].Source)

	snap := f.sched.Snapshot()
	assert.Zero(t, snap.ActiveTotal)
}

func TestJobCompletesOnlyAfterLastTask(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "premium")
	f.doc("u1", "d1", "a.txt", "uno", nil)
	f.doc("u1", "d2", "b.txt", "dos", nil)
	f.job("u1", "j1", false, "d1", "d2")

	w := f.worker("w1", correction.Set{})
	first, ok := f.sched.TryDispatch()
	require.True(t, ok)
	require.NoError(t, w.Process(context.Background(), first))
	assert.Equal(t, registry.JobProcessing, f.jobStatus("j1"))

	f.drain(w)
	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
}

type failingCorrector struct{ err error }

func (c failingCorrector) Correct(context.Context, []correction.Token) ([]correction.Correction, error) {
	return nil, c.err
}

func TestFirstFailureWins(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "premium")
	f.doc("u1", "d1", "a.txt", "uno", nil)
	f.doc("u1", "d2", "b.txt", "dos", nil)
	f.job("u1", "j1", false, "d1", "d2")

	bad := f.worker("w1", correction.Set{Rule: failingCorrector{err: errors.New("boom")}})
	first, ok := f.sched.TryDispatch()
	require.True(t, ok)
	err := bad.Process(context.Background(), first)
	require.Error(t, err)

	j, err := f.reg.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, registry.JobFailed, j.Status)
	require.NotNil(t, j.FinishedAt)
	finished := *j.FinishedAt

	task, err := f.reg.GetTask(context.Background(), "j1", first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, registry.TaskFailed, task.Status)
	assert.Equal(t, "engine error: boom", task.LastError)
	assert.Empty(t, task.LockedBy)
	assert.Nil(t, task.LockedAt)

	f.now = f.now.Add(time.Minute)
	good := f.worker("w2", correction.Set{})
	f.drain(good)

	j, err = f.reg.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, registry.JobFailed, j.Status, "a later success does not revive the job")
	assert.True(t, finished.Equal(*j.FinishedAt))
	assert.Zero(t, f.sched.Snapshot().ActiveTotal)
}

func TestLeaseContentionSkipsButReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "uno", nil)
	f.job("u1", "j1", false, "d1")

	_, ok, err := f.reg.TryLock(context.Background(), registry.LockRequest{
		JobID: "j1", DocumentID: "d1", WorkerID: "other", Now: f.now, TTL: DefaultLeaseTTL,
	})
	require.NoError(t, err)
	require.True(t, ok)

	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	w := f.worker("w1", correction.Set{})
	task, ok := f.sched.TryDispatch()
	require.True(t, ok)
	require.NoError(t, w.Process(context.Background(), task))

	rec, err := f.reg.GetTask(context.Background(), "j1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "other", rec.LockedBy)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Zero(t, f.sched.Snapshot().ActiveTotal)

	e := <-events
	assert.Equal(t, eventbus.TaskLeaseContended, e.Type)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "uno", nil)
	f.job("u1", "j1", false, "d1")

	_, ok, err := f.reg.TryLock(context.Background(), registry.LockRequest{
		JobID: "j1", DocumentID: "d1", WorkerID: "crashed", Now: f.now, TTL: DefaultLeaseTTL,
	})
	require.NoError(t, err)
	require.True(t, ok)

	f.now = f.now.Add(DefaultLeaseTTL + time.Second)
	f.drain(f.worker("w1", correction.Set{}))

	rec, err := f.reg.GetTask(context.Background(), "j1", "d1")
	require.NoError(t, err)
	assert.Equal(t, registry.TaskCompleted, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
}

func TestMissingDocumentRestoredFromBackup(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "", []byte(sample))
	f.job("u1", "j1", false, "d1")

	f.drain(f.worker("w1", correction.Set{}))

	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
	d, err := f.reg.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.FileExists(t, d.Path)
}

func TestMissingDocumentWithoutBackupFails(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "", nil)
	f.job("u1", "j1", false, "d1")

	f.drain(f.worker("w1", correction.Set{}))

	assert.Equal(t, registry.JobFailed, f.jobStatus("j1"))
	rec, err := f.reg.GetTask(context.Background(), "j1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "document not found", rec.LastError)
}

type recordingCorrector struct {
	mu    sync.Mutex
	calls int
}

func (c *recordingCorrector) Correct(context.Context, []correction.Token) ([]correction.Correction, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil, nil
}

func TestAIRequestedFallsBackToRuleWhenUnconfigured(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "premium")
	f.doc("u1", "d1", "a.txt", sample, nil)
	f.job("u1", "j1", true, "d1")

	f.drain(f.worker("w1", correction.Set{Rule: correction.RuleCorrector{}}))

	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
	sugg, err := f.reg.ListSuggestions(context.Background(), "j1")
	require.NoError(t, err)
	require.NotEmpty(t, sugg)
	assert.Equal(t, "rule", sugg[0].Source)
}

func TestAICorrectorUsedWhenRequestedAndConfigured(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "premium")
	f.doc("u1", "d1", "a.txt", sample, nil)
	f.job("u1", "j1", true, "d1")

	ai := &recordingCorrector{}
	f.drain(f.worker("w1", correction.Set{Rule: correction.RuleCorrector{}, AI: ai}))

	assert.Equal(t, 1, ai.calls)
	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
}

type panickingCorrector struct{}

func (panickingCorrector) Correct(context.Context, []correction.Token) ([]correction.Correction, error) {
	panic("corrupt model output")
}

func TestPanicBecomesTaskFailure(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "uno", nil)
	f.job("u1", "j1", false, "d1")

	f.drain(f.worker("w1", correction.Set{Rule: panickingCorrector{}}))

	rec, err := f.reg.GetTask(context.Background(), "j1", "d1")
	require.NoError(t, err)
	assert.Equal(t, registry.TaskFailed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.LastError, "panic: corrupt model output"))
	assert.Zero(t, f.sched.Snapshot().ActiveTotal)
}

type renewCounter struct {
	registry.Registry
	mu     sync.Mutex
	renews int
}

func (r *renewCounter) RenewLease(ctx context.Context, taskID, workerID string, now time.Time) (bool, error) {
	r.mu.Lock()
	r.renews++
	r.mu.Unlock()
	return r.Registry.RenewLease(ctx, taskID, workerID, now)
}

func (r *renewCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renews
}

type slowCorrector struct{ d time.Duration }

func (c slowCorrector) Correct(ctx context.Context, _ []correction.Token) ([]correction.Correction, error) {
	select {
	case <-time.After(c.d):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestHeartbeatRenewsLeaseWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "uno", nil)
	f.job("u1", "j1", false, "d1")

	rc := &renewCounter{Registry: f.reg}
	w := New(Config{ID: "w1", ArtifactsDir: filepath.Join(f.dir, "artifacts"), HeartbeatInterval: 5 * time.Millisecond},
		Deps{Registry: rc, Scheduler: f.sched, Correctors: correction.Set{Rule: slowCorrector{d: 80 * time.Millisecond}}})

	task, ok := f.sched.TryDispatch()
	require.True(t, ok)
	require.NoError(t, w.Process(context.Background(), task))
	assert.Positive(t, rc.count())
	assert.Equal(t, registry.JobCompleted, f.jobStatus("j1"))
}

func TestRunPicksUpWorkAndStops(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "free")
	f.doc("u1", "d1", "a.txt", "uno", nil)

	w := f.worker("w1", correction.Set{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	f.job("u1", "j1", false, "d1")
	w.Wake()

	require.Eventually(t, func() bool {
		j, err := f.reg.GetJob(context.Background(), "j1")
		return err == nil && j.Status == registry.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDefaultID(t *testing.T) {
	a, b := DefaultID(), DefaultID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "-")
}
