package store

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetProviderState_LazyDefaults(t *testing.T) {
	s := New()

	state := s.GetProviderState("never-seen")
	if state.IsDown {
		t.Error("new provider should not be down")
	}
	if state.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 failures, got %d", state.ConsecutiveFailures)
	}
	if !state.OpenUntil.IsZero() {
		t.Error("new provider should not have an open circuit")
	}
	if state.HalfOpenProbeInFlight {
		t.Error("new provider should not have a probe in flight")
	}
}

func TestSetProviderDown(t *testing.T) {
	s := New()

	s.SetProviderDown("p1", true)
	if !s.GetProviderState("p1").IsDown {
		t.Error("p1 should be down")
	}

	s.SetProviderDown("p1", false)
	if s.GetProviderState("p1").IsDown {
		t.Error("p1 should be back up")
	}
}

func TestRecordFailureAndSuccess(t *testing.T) {
	s := New()

	if got := s.RecordFailure("p1"); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := s.RecordFailure("p1"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}

	s.RecordSuccess("p1")
	if got := s.GetProviderState("p1").ConsecutiveFailures; got != 0 {
		t.Errorf("success should reset failures, got %d", got)
	}
}

func TestCircuitOpenRoundTrip(t *testing.T) {
	s := New()

	until := time.Now().Add(time.Minute)
	s.SetCircuitOpen("p1", until)
	if got := s.GetProviderState("p1").OpenUntil; !got.Equal(until) {
		t.Errorf("expected %v, got %v", until, got)
	}

	s.ClearCircuitOpen("p1")
	if !s.GetProviderState("p1").OpenUntil.IsZero() {
		t.Error("clear should zero the open timestamp")
	}
}

func TestAcquireHalfOpenProbe_SingleWinner(t *testing.T) {
	s := New()

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AcquireHalfOpenProbe("p1") {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	if got := len(wins); got != 1 {
		t.Errorf("exactly one caller should win the probe token, got %d", got)
	}

	// Releasing the token makes it acquirable again.
	s.SetHalfOpenProbe("p1", false)
	if !s.AcquireHalfOpenProbe("p1") {
		t.Error("released token should be acquirable")
	}
}

func TestUserSpend(t *testing.T) {
	s := New()

	if got := s.GetUserSpend("u1"); got != 0 {
		t.Errorf("new user should have 0 spend, got %v", got)
	}

	s.AddUserSpend("u1", 0.25)
	s.AddUserSpend("u1", 0.50)
	if got := s.GetUserSpend("u1"); got != 0.75 {
		t.Errorf("expected 0.75, got %v", got)
	}
	if got := s.GetUserSpend("u2"); got != 0 {
		t.Errorf("u2 should be unaffected, got %v", got)
	}
}

func TestRecordRequestMetrics_Invariants(t *testing.T) {
	s := New()

	s.RecordRequestMetrics("p1", 200, 0.001, true)
	s.RecordRequestMetrics("p1", 0, 0, false)
	s.RecordRequestMetrics("p1", 300, 0.002, true)

	pm := s.GetProviderMetrics()["p1"]
	if pm.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", pm.Requests)
	}
	if pm.Success+pm.Failures != pm.Requests {
		t.Errorf("success+failures != requests: %d+%d != %d", pm.Success, pm.Failures, pm.Requests)
	}
	if pm.AvgLatencyMs != 250 {
		t.Errorf("avg latency should be 250 (failures excluded), got %v", pm.AvgLatencyMs)
	}
	if want := 2.0 / 3.0; pm.SuccessRate != want {
		t.Errorf("expected success rate %v, got %v", want, pm.SuccessRate)
	}

	gm := s.GetGlobalMetrics()
	if gm.TotalRequests != 3 || gm.TotalSuccess != 2 || gm.TotalFailures != 1 {
		t.Errorf("unexpected global counters: %+v", gm)
	}
	if gm.AvgLatencyMs != 250 {
		t.Errorf("global avg latency should be 250, got %v", gm.AvgLatencyMs)
	}
	if diff := gm.TotalCost - 0.003; diff < -1e-12 || diff > 1e-12 {
		t.Errorf("expected total cost 0.003, got %v", gm.TotalCost)
	}
}

func TestGetGlobalMetrics_EmptyDefaults(t *testing.T) {
	s := New()

	gm := s.GetGlobalMetrics()
	if gm.SuccessRate != 1.0 {
		t.Errorf("success rate should default to 1.0, got %v", gm.SuccessRate)
	}
	if gm.AvgLatencyMs != 0 {
		t.Errorf("avg latency should default to 0, got %v", gm.AvgLatencyMs)
	}
}

func TestGetProviderMetrics_OnlyActiveProviders(t *testing.T) {
	s := New()

	// Touch p1's state without recording any request.
	s.SetProviderDown("p1", true)
	s.RecordRequestMetrics("p2", 100, 0.001, true)

	metrics := s.GetProviderMetrics()
	if _, ok := metrics["p1"]; ok {
		t.Error("p1 handled no requests and should not appear")
	}
	if _, ok := metrics["p2"]; !ok {
		t.Error("p2 should appear")
	}
}

func TestCheckAndIncrementRateLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(WithClock(func() time.Time { return now }))

	const rpm = 5

	for i := 0; i < rpm; i++ {
		if err := s.CheckAndIncrementRateLimit("p1", rpm); err != nil {
			t.Fatalf("call %d should be admitted: %v", i+1, err)
		}
	}

	// Call rpm+1 within the same window fails.
	if err := s.CheckAndIncrementRateLimit("p1", rpm); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	// The window restarts after 60 seconds.
	now = now.Add(60 * time.Second)
	if err := s.CheckAndIncrementRateLimit("p1", rpm); err != nil {
		t.Errorf("new window should admit, got %v", err)
	}
}

func TestCheckAndIncrementRateLimit_PerProvider(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(WithClock(func() time.Time { return now }))

	if err := s.CheckAndIncrementRateLimit("p1", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckAndIncrementRateLimit("p1", 1); !errors.Is(err, ErrRateLimited) {
		t.Error("p1 should be exhausted")
	}
	if err := s.CheckAndIncrementRateLimit("p2", 1); err != nil {
		t.Errorf("p2's window is independent, got %v", err)
	}
}

func TestReset(t *testing.T) {
	s := New()

	s.SetProviderDown("p1", true)
	s.AddUserSpend("u1", 1.5)
	s.RecordRequestMetrics("p1", 100, 0.01, true)

	s.Reset()

	if s.GetProviderState("p1").IsDown {
		t.Error("reset should clear provider state")
	}
	if s.GetUserSpend("u1") != 0 {
		t.Error("reset should clear user spend")
	}
	if s.GetGlobalMetrics().TotalRequests != 0 {
		t.Error("reset should clear metrics")
	}
}

func TestConcurrentMetrics_InvariantHolds(t *testing.T) {
	s := New()

	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.RecordRequestMetrics("p1", 100, 0.001, (w+i)%2 == 0)
			}
		}()
	}
	wg.Wait()

	gm := s.GetGlobalMetrics()
	if gm.TotalRequests != workers*perWorker {
		t.Errorf("expected %d requests, got %d", workers*perWorker, gm.TotalRequests)
	}
	if gm.TotalSuccess+gm.TotalFailures != gm.TotalRequests {
		t.Errorf("success+failures != requests under concurrency: %+v", gm)
	}
}
