// Package monitor tracks in-process operational counters for the
// sponsorship core, generalized from the teacher's duplicate-rate metrics
// into the counters this domain's operations actually emit: deposits,
// allocations, reversals, transaction prepare/confirm outcomes, refunds,
// and idempotency replays. These are request-scoped approximations, not
// an authoritative ledger — they may be lost on restart (spec §5).
package monitor

import (
	"sync"
	"time"
)

// Metrics is a mutex-guarded set of counters plus a sliding window used to
// compute a short-term idempotency-replay rate.
type Metrics struct {
	mu sync.RWMutex

	TotalRequests      int64 `json:"total_requests"`
	DepositsSubmitted  int64 `json:"deposits_submitted"`
	DepositsApproved   int64 `json:"deposits_approved"`
	DepositsRejected   int64 `json:"deposits_rejected"`
	Allocations        int64 `json:"allocations"`
	Reversals          int64 `json:"reversals"`
	TransactionsPrepared int64 `json:"transactions_prepared"`
	TransactionsConfirmed int64 `json:"transactions_confirmed"`
	ReconfirmsRequired  int64 `json:"reconfirms_required"`
	Refunds             int64 `json:"refunds"`
	IdempotencyReplays  int64 `json:"idempotency_replays"`
	RateLimited         int64 `json:"rate_limited"`

	window []windowEntry
}

type windowEntry struct {
	ts      time.Time
	isRetry bool
}

const windowDuration = 5 * time.Minute

// Snapshot is a point-in-time view of the metrics.
type Snapshot struct {
	TotalRequests         int64   `json:"total_requests"`
	DepositsSubmitted     int64   `json:"deposits_submitted"`
	DepositsApproved      int64   `json:"deposits_approved"`
	DepositsRejected      int64   `json:"deposits_rejected"`
	Allocations           int64   `json:"allocations"`
	Reversals             int64   `json:"reversals"`
	TransactionsPrepared  int64   `json:"transactions_prepared"`
	TransactionsConfirmed int64   `json:"transactions_confirmed"`
	ReconfirmsRequired    int64   `json:"reconfirms_required"`
	Refunds               int64   `json:"refunds"`
	IdempotencyReplays     int64   `json:"idempotency_replays"`
	RateLimited            int64   `json:"rate_limited"`
	WindowRequests          int     `json:"window_requests_5m"`
	WindowReplays           int     `json:"window_replays_5m"`
	WindowReplayRate        float64 `json:"window_replay_rate_5m"`
	AnomalyDetected         bool    `json:"anomaly_detected"`
	AnomalyThreshold        float64 `json:"anomaly_threshold"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addWindow(false)
}

func (m *Metrics) RecordDepositSubmitted() { m.bump(&m.DepositsSubmitted) }
func (m *Metrics) RecordDepositApproved()  { m.bump(&m.DepositsApproved) }
func (m *Metrics) RecordDepositRejected()  { m.bump(&m.DepositsRejected) }
func (m *Metrics) RecordAllocation()       { m.bump(&m.Allocations) }
func (m *Metrics) RecordReversal()         { m.bump(&m.Reversals) }
func (m *Metrics) RecordTransactionPrepared() { m.bump(&m.TransactionsPrepared) }
func (m *Metrics) RecordTransactionConfirmed() { m.bump(&m.TransactionsConfirmed) }
func (m *Metrics) RecordRefund() { m.bump(&m.Refunds) }
func (m *Metrics) RecordRateLimited() { m.bump(&m.RateLimited) }

func (m *Metrics) RecordReconfirmRequired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReconfirmsRequired++
	m.addWindow(true)
}

func (m *Metrics) RecordIdempotencyReplay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IdempotencyReplays++
	m.addWindow(true)
}

func (m *Metrics) bump(counter *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter++
	m.addWindow(false)
}

func (m *Metrics) addWindow(isRetry bool) {
	m.TotalRequests++
	now := time.Now()
	m.window = append(m.window, windowEntry{ts: now, isRetry: isRetry})
	m.pruneWindow(now)
}

func (m *Metrics) pruneWindow(now time.Time) {
	cutoff := now.Add(-windowDuration)
	i := 0
	for i < len(m.window) && m.window[i].ts.Before(cutoff) {
		i++
	}
	m.window = m.window[i:]
}

// Snapshot returns a point-in-time copy of the metrics, including the
// anomaly flag the teacher's pattern also surfaced: here, whether the
// idempotency-replay/reconfirm rate over the last 5 minutes exceeds 20%,
// a signal worth an operator's attention (lots of retries usually means
// an upstream client is looping on conflicts).
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-windowDuration)
	var windowReqs, windowReplays int
	for _, e := range m.window {
		if e.ts.After(cutoff) {
			windowReqs++
			if e.isRetry {
				windowReplays++
			}
		}
	}

	var replayRate float64
	if windowReqs > 0 {
		replayRate = float64(windowReplays) / float64(windowReqs) * 100
	}

	return Snapshot{
		TotalRequests:         m.TotalRequests,
		DepositsSubmitted:     m.DepositsSubmitted,
		DepositsApproved:      m.DepositsApproved,
		DepositsRejected:      m.DepositsRejected,
		Allocations:           m.Allocations,
		Reversals:             m.Reversals,
		TransactionsPrepared:  m.TransactionsPrepared,
		TransactionsConfirmed: m.TransactionsConfirmed,
		ReconfirmsRequired:    m.ReconfirmsRequired,
		Refunds:               m.Refunds,
		IdempotencyReplays:    m.IdempotencyReplays,
		RateLimited:           m.RateLimited,
		WindowRequests:        windowReqs,
		WindowReplays:         windowReplays,
		WindowReplayRate:      replayRate,
		AnomalyDetected:       replayRate > 20.0,
		AnomalyThreshold:      20.0,
	}
}
