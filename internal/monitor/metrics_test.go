package monitor

import (
	"sync"
	"testing"
)

func TestMetrics_RecordAllocation(t *testing.T) {
	m := NewMetrics()
	m.RecordAllocation()
	m.RecordAllocation()
	m.RecordAllocation()

	snap := m.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("expected 3 total, got %d", snap.TotalRequests)
	}
	if snap.Allocations != 3 {
		t.Errorf("expected 3 allocations, got %d", snap.Allocations)
	}
}

func TestMetrics_RecordDepositLifecycle(t *testing.T) {
	m := NewMetrics()
	m.RecordDepositSubmitted()
	m.RecordDepositApproved()

	snap := m.Snapshot()
	if snap.DepositsSubmitted != 1 {
		t.Errorf("expected 1 submitted, got %d", snap.DepositsSubmitted)
	}
	if snap.DepositsApproved != 1 {
		t.Errorf("expected 1 approved, got %d", snap.DepositsApproved)
	}
	if snap.TotalRequests != 2 {
		t.Errorf("expected 2 total, got %d", snap.TotalRequests)
	}
}

func TestMetrics_RecordReconfirmRequired(t *testing.T) {
	m := NewMetrics()
	m.RecordReconfirmRequired()

	snap := m.Snapshot()
	if snap.ReconfirmsRequired != 1 {
		t.Errorf("expected 1 reconfirm, got %d", snap.ReconfirmsRequired)
	}
}

func TestMetrics_RecordIdempotencyReplay(t *testing.T) {
	m := NewMetrics()
	m.RecordIdempotencyReplay()

	snap := m.Snapshot()
	if snap.IdempotencyReplays != 1 {
		t.Errorf("expected 1 replay, got %d", snap.IdempotencyReplays)
	}
}

func TestMetrics_RecordRefund(t *testing.T) {
	m := NewMetrics()
	m.RecordRefund()

	snap := m.Snapshot()
	if snap.Refunds != 1 {
		t.Errorf("expected 1 refund, got %d", snap.Refunds)
	}
}

func TestMetrics_SlidingWindowReplayRate(t *testing.T) {
	m := NewMetrics()

	// 8 allocations + 2 replays = 20% rate
	for i := 0; i < 8; i++ {
		m.RecordAllocation()
	}
	m.RecordIdempotencyReplay()
	m.RecordIdempotencyReplay()

	snap := m.Snapshot()
	if snap.WindowRequests != 10 {
		t.Errorf("expected 10 window requests, got %d", snap.WindowRequests)
	}
	if snap.WindowReplays != 2 {
		t.Errorf("expected 2 window replays, got %d", snap.WindowReplays)
	}
	if snap.WindowReplayRate < 19.9 || snap.WindowReplayRate > 20.1 {
		t.Errorf("expected ~20%% rate, got %.2f%%", snap.WindowReplayRate)
	}
	if snap.AnomalyDetected {
		t.Error("20% should not trigger anomaly (threshold is >20%)")
	}
}

func TestMetrics_AnomalyDetection(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 5; i++ {
		m.RecordAllocation()
	}
	for i := 0; i < 5; i++ {
		m.RecordIdempotencyReplay()
	}

	snap := m.Snapshot()
	if !snap.AnomalyDetected {
		t.Error("50% rate should trigger anomaly")
	}
	if snap.AnomalyThreshold != 20.0 {
		t.Errorf("expected threshold 20, got %.1f", snap.AnomalyThreshold)
	}
}

func TestMetrics_SnapshotEmpty(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()

	if snap.TotalRequests != 0 {
		t.Errorf("expected 0, got %d", snap.TotalRequests)
	}
	if snap.WindowReplayRate != 0 {
		t.Errorf("expected 0 rate, got %.2f", snap.WindowReplayRate)
	}
	if snap.AnomalyDetected {
		t.Error("empty metrics should not trigger anomaly")
	}
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	wg.Add(50)

	for i := 0; i < 25; i++ {
		go func() {
			defer wg.Done()
			m.RecordAllocation()
		}()
		go func() {
			defer wg.Done()
			m.RecordIdempotencyReplay()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.TotalRequests != 50 {
		t.Errorf("expected 50 total, got %d", snap.TotalRequests)
	}
	if snap.Allocations != 25 {
		t.Errorf("expected 25 allocations, got %d", snap.Allocations)
	}
	if snap.IdempotencyReplays != 25 {
		t.Errorf("expected 25 replays, got %d", snap.IdempotencyReplays)
	}
}
