// Package monitor exposes the admission core's live counters.
//
// The package provides:
//   - Snapshot: the metrics surface {activeUsers, totalPending, totalRunning,
//     waitingForSlot} plus the static concurrency cap
//   - RegisterGauges: OpenTelemetry observable gauges fed by a Provider
//   - Recorder: OpenTelemetry counters for submissions and task outcomes
//
// Snapshots are read from atomics, so observing them never blocks the
// scheduler.
//
// Example usage:
//
//	reg, err := monitor.RegisterGauges(otel.Meter("admit"), gate)
//	defer reg.Unregister()
//
//	http.Handle("/v1/admission/", monitorhttp.New(gate))
package monitor

import (
	"time"
)

// Snapshot is a point-in-time view of the admission core.
type Snapshot struct {
	ActiveUsers      int       `json:"active_users"`
	TotalPending     int       `json:"total_pending"`
	TotalRunning     int       `json:"total_running"`
	WaitingForSlot   int       `json:"waiting_for_slot"`
	MaxGlobalRunning int       `json:"max_global_running"`
	Closed           bool      `json:"closed"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Utilization returns the fraction of global slots in use.
func (s Snapshot) Utilization() float64 {
	if s.MaxGlobalRunning <= 0 {
		return 0
	}
	return float64(s.TotalRunning) / float64(s.MaxGlobalRunning)
}

// Provider supplies snapshots. Implementations must not block.
type Provider interface {
	Snapshot() Snapshot
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() Snapshot

// Snapshot calls f.
func (f ProviderFunc) Snapshot() Snapshot {
	return f()
}
