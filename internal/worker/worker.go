package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"correctord/internal/artifacts"
	"correctord/internal/correction"
	"correctord/internal/eventbus"
	"correctord/internal/registry"
	"correctord/internal/scheduler"
	"correctord/pkg/logx"

	"github.com/google/uuid"
)

type Config struct {
	ID                string
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration // 0 disables lease renewal
	ArtifactsDir      string
	Chunk             correction.ChunkOptions
}

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultLeaseTTL     = 5 * time.Minute
)

// DefaultID is hostname-pid-random.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// DurationObserver receives the run time of each executed task.
type DurationObserver interface {
	ObserveTaskDuration(seconds float64)
}

type Deps struct {
	Registry   registry.Registry
	Scheduler  *scheduler.Scheduler
	Correctors correction.Set
	Mirror     artifacts.Mirror // optional
	Bus        eventbus.Bus     // optional
	Observer   DurationObserver // optional
	Log        logx.Logger
	Now        func() time.Time
}

type Worker struct {
	cfg        Config
	reg        registry.Registry
	sched      *scheduler.Scheduler
	correctors correction.Set
	mirror     artifacts.Mirror
	bus        eventbus.Bus
	observer   DurationObserver
	log        logx.Logger
	now        func() time.Time
	wake       chan struct{}
}

func New(cfg Config, d Deps) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = "./storage"
	}
	w := &Worker{
		cfg:        cfg,
		reg:        d.Registry,
		sched:      d.Scheduler,
		correctors: d.Correctors,
		mirror:     d.Mirror,
		bus:        d.Bus,
		observer:   d.Observer,
		log:        d.Log,
		now:        d.Now,
		wake:       make(chan struct{}, 1),
	}
	if w.bus == nil {
		w.bus = eventbus.Nop()
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(logx.String("worker", cfg.ID))
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Worker) ID() string { return w.cfg.ID }

// Wake cuts the current poll sleep short.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls the scheduler until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok := w.sched.TryDispatch()
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
			case <-timer.C:
			}
			continue
		}
		w.emit(eventbus.TaskDispatched, t, nil)
		w.log.Debug("task.dispatched", taskFields(t)...)
		_ = w.Process(ctx, t)
	}
}

// Process runs one dispatched task to a persisted outcome. It returns the
// task's failure, if any; lease contention is not an error.
func (w *Worker) Process(ctx context.Context, t scheduler.DocumentTask) error {
	defer w.sched.Finish(t)

	rec, ok, err := w.reg.TryLock(ctx, registry.LockRequest{
		JobID:      t.JobID,
		DocumentID: t.DocumentID,
		WorkerID:   w.cfg.ID,
		Now:        w.now(),
		TTL:        w.cfg.LeaseTTL,
	})
	if err != nil {
		w.log.Error("task.lock_error", append(taskFields(t), logx.Err(err))...)
		return fmt.Errorf("lease: %w", err)
	}
	if !ok {
		w.emit(eventbus.TaskLeaseContended, t, nil)
		w.log.Debug("task.lease_contended", taskFields(t)...)
		return nil
	}
	if rec.AttemptCount > 1 {
		w.log.Info("task.lease_reclaimed", append(taskFields(t), logx.Int("attempt", rec.AttemptCount))...)
	}
	w.emit(eventbus.TaskStarted, t, nil)

	started := w.now()
	stopHeartbeat := w.heartbeat(ctx, rec.ID)
	out, runErr := w.execute(ctx, t, rec)
	stopHeartbeat()

	if runErr == nil {
		var done bool
		done, runErr = w.reg.CompleteTask(ctx, rec.ID, out.exports, w.now())
		if runErr != nil {
			runErr = fmt.Errorf("database error: %w", runErr)
		} else {
			w.observe(started)
			w.emit(eventbus.TaskCompleted, t, func(p *eventbus.Payload) {
				p.Source = out.kind.Source()
				p.Count = out.corrections
			})
			w.log.Info("task.completed", append(taskFields(t),
				logx.String("corrector", out.kind.String()),
				logx.Int("corrections", out.corrections),
				logx.Duration("took", w.now().Sub(started)))...)
			if done {
				w.emit(eventbus.JobCompleted, t, nil)
				w.log.Info("job.completed", logx.String("job", t.JobID))
			}
			return nil
		}
	}

	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		// Shutdown mid-task: the lease expires and the task is reclaimed later.
		w.log.Warn("task.interrupted", taskFields(t)...)
		return runErr
	}
	w.observe(started)
	w.fail(context.WithoutCancel(ctx), t, rec.ID, runErr)
	return runErr
}

func (w *Worker) fail(ctx context.Context, t scheduler.DocumentTask, taskID string, cause error) {
	reason := cause.Error()
	jobFailed, err := w.reg.FailTask(ctx, taskID, reason, w.now())
	if err != nil {
		w.log.Error("task.fail_persist_error", append(taskFields(t), logx.String("reason", reason), logx.Err(err))...)
		return
	}
	w.emit(eventbus.TaskFailed, t, func(p *eventbus.Payload) { p.Reason = reason })
	w.log.Warn("task.failed", append(taskFields(t), logx.String("reason", reason))...)
	if jobFailed {
		w.emit(eventbus.JobFailed, t, func(p *eventbus.Payload) { p.Reason = reason })
		w.log.Warn("job.failed", logx.String("job", t.JobID), logx.String("reason", reason))
	}
}

// heartbeat renews the lease every HeartbeatInterval until the returned stop is called.
func (w *Worker) heartbeat(ctx context.Context, taskID string) (stop func()) {
	if w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tk := time.NewTicker(w.cfg.HeartbeatInterval)
		defer tk.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-tk.C:
				ok, err := w.reg.RenewLease(hctx, taskID, w.cfg.ID, w.now())
				if err != nil {
					if hctx.Err() == nil {
						w.log.Warn("task.heartbeat_error", logx.String("task", taskID), logx.Err(err))
					}
					continue
				}
				if !ok {
					w.log.Warn("task.lease_lost", logx.String("task", taskID))
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) observe(started time.Time) {
	if w.observer != nil {
		w.observer.ObserveTaskDuration(w.now().Sub(started).Seconds())
	}
}

func (w *Worker) emit(typ string, t scheduler.DocumentTask, mutate func(*eventbus.Payload)) {
	p := eventbus.Payload{
		UserID:     t.UserID,
		ProjectID:  t.ProjectID,
		JobID:      t.JobID,
		DocumentID: t.DocumentID,
		WorkerID:   w.cfg.ID,
	}
	if mutate != nil {
		mutate(&p)
	}
	w.bus.Publish(eventbus.Event{Type: typ, Time: w.now(), Data: p})
}

func taskFields(t scheduler.DocumentTask) []logx.Field {
	return []logx.Field{
		logx.String("job", t.JobID),
		logx.String("document", t.DocumentID),
		logx.String("user", t.UserID),
	}
}
