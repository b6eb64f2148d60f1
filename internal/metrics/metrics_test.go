package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"correctord/internal/eventbus"
	"correctord/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEvents(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), nil)

	c.Record(eventbus.Event{Type: eventbus.JobSubmitted})
	c.Record(eventbus.Event{Type: eventbus.JobSubmitted})
	c.Record(eventbus.Event{Type: eventbus.JobFailed})
	c.Record(eventbus.Event{Type: eventbus.TaskLeaseContended})
	c.Record(eventbus.Event{Type: eventbus.TaskCompleted, Data: eventbus.Payload{Source: "rule", Count: 3}})
	c.Record(eventbus.Event{Type: "unknown"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.leaseContended))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.suggestions.WithLabelValues("rule")))
}

func TestSchedulerGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	snap := scheduler.Snapshot{SystemMaxWorkers: 2, ActiveTotal: 1, QueuedTotal: 4}
	NewCollector(reg, func() scheduler.Snapshot { return snap })

	n, err := testutil.GatherAndCount(reg, "correctord_scheduler_queued_tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range mfs {
		if len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetGauge() != nil {
			found[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, found["correctord_scheduler_active_tasks"])
	assert.Equal(t, 4.0, found["correctord_scheduler_queued_tasks"])
	assert.Equal(t, 2.0, found["correctord_scheduler_max_workers"])
}

func TestConsumeAndHandler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), nil)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Consume(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TaskStarted})
		return testutil.ToFloat64(c.tasks.WithLabelValues("started")) > 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "correctord_tasks_total")
}
