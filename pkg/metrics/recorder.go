// Package metrics exposes the agent's counters. Components accept a Recorder
// and default to NoopRecorder when metrics are not configured.
package metrics

import "time"

// PassResult labels how a reconciliation pass ended.
type PassResult string

const (
	PassComplete   PassResult = "complete"
	PassPartial    PassResult = "partial"
	PassSuperseded PassResult = "superseded"
	PassRejected   PassResult = "rejected"
	PassAborted    PassResult = "aborted"
)

type Recorder interface {
	ObservePassDuration(result PassResult, d time.Duration)
	IncUnitOutcome(action, outcome string)
	SetLastVersion(version uint64)
	SetConnected(connected bool)
	IncReconnect()
	IncDesiredReceived()
	IncReportDropped()
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObservePassDuration(PassResult, time.Duration) {}
func (NoopRecorder) IncUnitOutcome(string, string)                 {}
func (NoopRecorder) SetLastVersion(uint64)                         {}
func (NoopRecorder) SetConnected(bool)                             {}
func (NoopRecorder) IncReconnect()                                 {}
func (NoopRecorder) IncDesiredReceived()                           {}
func (NoopRecorder) IncReportDropped()                             {}
