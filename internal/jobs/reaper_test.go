package jobs

import (
	"context"
	"testing"
	"time"

	"correctord/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperSweepsExpiredLeases(t *testing.T) {
	e := newEnv(t)
	e.user("u1", "free")
	ctx := context.Background()

	require.NoError(t, e.reg.CreateJob(ctx, registry.Job{ID: "j1", OwnerUserID: "u1", ProjectID: "p-u1", Mode: "rapido", CreatedAt: e.now},
		[]registry.Task{{ID: "t1", DocumentID: "a"}}))
	_, ok, err := e.reg.TryLock(ctx, registry.LockRequest{JobID: "j1", DocumentID: "a", WorkerID: "crashed", Now: e.now, TTL: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)

	r := NewReaper(e.svc, time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	e.now = e.now.Add(2 * time.Minute)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, e.sched.Queued("u1"), 1)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already queued")
}

func TestReaperStart(t *testing.T) {
	e := newEnv(t)
	r := NewReaper(e.svc, time.Minute)

	assert.Error(t, r.Start(context.Background(), "not a schedule"))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, "@every 1h"))
	cancel()
	r.Stop()
}
