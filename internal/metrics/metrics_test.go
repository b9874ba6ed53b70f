package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
)

var (
	_ scheduler.Metrics = (*Metrics)(nil)
	_ engine.Observer   = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()

	m.TickObserved(3 * time.Millisecond)
	m.TickObserved(time.Millisecond)
	m.Dispatched()
	m.ControlApplied("delete")
	m.ControlApplied("delete")
	m.ControlApplied("update")
	m.Malformed("todo-list")
	m.StoreError("drain")
	m.Fired(task.Repeated)
	m.Finished(engine.ReasonCompleted)
	m.ObserveHTTP(http.MethodPost, "/api/jobs", http.StatusCreated, time.Millisecond)
	m.NotifyDropped("rate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.controls.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controls.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed.WithLabelValues("todo-list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("drain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fires.WithLabelValues(string(task.Repeated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/jobs", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifyDrops.WithLabelValues("rate")))
}

func TestHandlerExposesActiveGauge(t *testing.T) {
	t.Parallel()
	m := New()
	require.NoError(t, m.RegisterActiveExecutors(func() int { return 3 }))
	require.Error(t, m.RegisterActiveExecutors(func() int { return 0 }))
	m.Dispatched()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "jobsched_executor_active 3")
	assert.Contains(t, string(body), "jobsched_dispatcher_dispatched_total 1")
}
