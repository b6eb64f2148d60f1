package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"correctord/pkg/logx"

	"github.com/robfig/cron/v3"
)

// DefaultReapSchedule sweeps once a minute.
const DefaultReapSchedule = "@every 1m"

// Reaper periodically hands tasks with expired leases back to the scheduler
// so a worker's next lease attempt can reclaim them.
type Reaper struct {
	svc *Service
	ttl time.Duration

	mu sync.Mutex
	c  *cron.Cron
}

func NewReaper(svc *Service, leaseTTL time.Duration) *Reaper {
	return &Reaper{svc: svc, ttl: leaseTTL}
}

// Sweep enqueues every processing task whose lease is older than the TTL.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.svc.now().Add(-r.ttl)
	expired, err := r.svc.reg.ExpiredLeases(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("load expired leases: %w", err)
	}
	n := r.svc.enqueuePending(expired)
	if n > 0 {
		r.svc.notify()
		r.svc.log.Info("lease.reaped", logx.Int("tasks", n))
	}
	return n, nil
}

// Start schedules Sweep with a cron spec (five-field, optional seconds, or
// a descriptor such as "@every 30s"). It stops when ctx is done.
func (r *Reaper) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultReapSchedule
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.svc.log.Warn("lease.reap_failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", spec, err)
	}

	r.mu.Lock()
	if r.c != nil {
		r.mu.Unlock()
		return nil
	}
	r.c = c
	r.mu.Unlock()

	c.Start()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
