package authkit

import (
	"context"
	"testing"
	"time"
)

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	if m.Enabled() || m.LatencyEnabled() {
		t.Fatal("disabled metrics report enabled")
	}

	m.Inc(MetricLoginSuccess)
	m.Observe(MetricRefreshLatency, 42*time.Millisecond)
	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("value = %d, want 0", got)
	}

	snap := m.Snapshot()
	if snap.Counters == nil || snap.Histograms == nil {
		t.Fatal("snapshot maps must be non-nil even when disabled")
	}
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricLoginSuccess)
	if nilMetrics.Enabled() {
		t.Fatal("nil metrics report enabled")
	}
}

func TestMetricsCountersAndHistogram(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	for i := 0; i < 3; i++ {
		m.Inc(MetricLoginSuccess)
	}
	m.Inc(MetricRefreshSuccess)
	if got := m.Value(MetricLoginSuccess); got != 3 {
		t.Fatalf("login successes = %d, want 3", got)
	}

	m.Observe(MetricRefreshLatency, 3*time.Millisecond)
	m.Observe(MetricRefreshLatency, 7*time.Millisecond)
	m.Observe(MetricRefreshLatency, 600*time.Millisecond)
	// Only the refresh path is histogrammed.
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	if snap.Counters[MetricLoginSuccess] != 3 || snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("counters = %v", snap.Counters)
	}
	buckets, ok := snap.Histograms[MetricRefreshLatency]
	if !ok {
		t.Fatal("refresh latency histogram missing from snapshot")
	}
	if buckets[0] != 1 || buckets[1] != 1 || buckets[7] != 1 {
		t.Fatalf("buckets = %v", buckets)
	}
	if _, ok := snap.Histograms[MetricLoginSuccess]; ok {
		t.Fatal("non-refresh histogram appeared in snapshot")
	}
}

func TestBucketIndexBoundaries(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{5 * time.Millisecond, 0},
		{6 * time.Millisecond, 1},
		{10 * time.Millisecond, 1},
		{25 * time.Millisecond, 2},
		{50 * time.Millisecond, 3},
		{100 * time.Millisecond, 4},
		{250 * time.Millisecond, 5},
		{500 * time.Millisecond, 6},
		{501 * time.Millisecond, 7},
		{10 * time.Second, 7},
	}
	for _, tc := range cases {
		if got := bucketIndex(tc.d); got != tc.want {
			t.Fatalf("bucketIndex(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestEngineCountsThroughMetrics(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithDirectory(NewMemDirectory()).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	defer engine.Close()
	ctx := context.Background()
	seedAccount(t, engine, "alice@example.com", "correct-password-123")

	if _, err := engine.Login(ctx, "alice@example.com", "wrong-password-123"); err == nil {
		t.Fatal("expected failed login")
	}
	res, err := engine.Login(ctx, "alice@example.com", "correct-password-123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	pair, err := engine.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := engine.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}

	snap := engine.MetricsSnapshot()
	for id, want := range map[MetricID]uint64{
		MetricLoginSuccess:   1,
		MetricLoginFailure:   1,
		MetricSessionCreated: 1,
		MetricRefreshSuccess: 1,
		MetricLogout:         1,
	} {
		if got := snap.Counters[id]; got != want {
			t.Fatalf("counter %d = %d, want %d (snapshot %v)", id, got, want, snap.Counters)
		}
	}

	var observed uint64
	for _, n := range snap.Histograms[MetricRefreshLatency] {
		observed += n
	}
	if observed != 1 {
		t.Fatalf("refresh latency observations = %d, want 1", observed)
	}
}
