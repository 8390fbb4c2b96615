package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegisterIndependently(t *testing.T) {
	// each Collector owns a registry; two instances must not collide
	a := New()
	b := New()
	a.Request("db1")
	a.Request("db1")
	b.Request("db1")

	if got := testutil.ToFloat64(a.requestsTotal.WithLabelValues("db1")); got != 2 {
		t.Errorf("a requests = %v", got)
	}
	if got := testutil.ToFloat64(b.requestsTotal.WithLabelValues("db1")); got != 1 {
		t.Errorf("b requests = %v", got)
	}
}

func TestPoolAndErrorMetrics(t *testing.T) {
	c := New()

	c.UpdatePoolStats("db1", 0, "primary", 5, 2, 1)
	if got := testutil.ToFloat64(c.poolInUse.WithLabelValues("db1", "0", "primary")); got != 2 {
		t.Errorf("in_use = %v", got)
	}

	c.Error("PoolTimeout")
	c.Error("PoolTimeout")
	if got := testutil.ToFloat64(c.errorsTotal.WithLabelValues("PoolTimeout")); got != 2 {
		t.Errorf("errors = %v", got)
	}

	c.ShardDispatch("db1", 1)
	if got := testutil.ToFloat64(c.shardDispatch.WithLabelValues("db1", "1")); got != 1 {
		t.Errorf("dispatch = %v", got)
	}

	c.TwoPhase("committed")
	if got := testutil.ToFloat64(c.twoPhaseTotal.WithLabelValues("committed")); got != 1 {
		t.Errorf("two phase = %v", got)
	}

	c.SessionOpened("db1")
	c.SessionOpened("db1")
	c.SessionClosed("db1")
	if got := testutil.ToFloat64(c.sessionsActive.WithLabelValues("db1")); got != 1 {
		t.Errorf("sessions = %v", got)
	}

	c.Traffic("db1", 100, 50)
	if got := testutil.ToFloat64(c.bytesSent.WithLabelValues("db1")); got != 100 {
		t.Errorf("bytes sent = %v", got)
	}

	c.QueryDuration("db1", 5*time.Millisecond)
	c.AcquireDuration("db1", time.Millisecond)
	c.CopyRows("db1", 0, 3)
	c.PoolBanned("db1", 0, "replica", "healthcheck")
	c.CancelRequest()
}
