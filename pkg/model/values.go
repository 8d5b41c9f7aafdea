package model

// TargetState is the state the coordinator wants a unit to be in.
type TargetState = string

const (
	// TargetEnabled units are enabled for boot and running.
	TargetEnabled TargetState = "enabled"
	// TargetRunning units are running, their boot enablement is left as is.
	TargetRunning TargetState = "running"
	// TargetStopped units are stopped but left installed.
	TargetStopped TargetState = "stopped"
	// TargetAbsent units are stopped, disabled and their managed unit file
	// removed.
	TargetAbsent TargetState = "absent"
)

// ValidTarget reports whether t is one of the known target states.
func ValidTarget(t TargetState) bool {
	switch t {
	case TargetEnabled, TargetRunning, TargetStopped, TargetAbsent:
		return true
	}
	return false
}

// RuntimeStatus is the status of a unit as observed from the service manager.
// The values follow systemd's ActiveState with two additions for units the
// manager does not know about and for statuses that could not be read.
type RuntimeStatus = string

const (
	StatusActive       RuntimeStatus = "active"
	StatusActivating   RuntimeStatus = "activating"
	StatusReloading    RuntimeStatus = "reloading"
	StatusDeactivating RuntimeStatus = "deactivating"
	StatusInactive     RuntimeStatus = "inactive"
	StatusFailed       RuntimeStatus = "failed"
	StatusNotFound     RuntimeStatus = "not-found"
	StatusUnknown      RuntimeStatus = "unknown"
)

// Satisfies reports whether a unit observed in status is consistent with the
// target. Transitional statuses heading towards the target count.
func Satisfies(status RuntimeStatus, target TargetState) bool {
	switch target {
	case TargetEnabled, TargetRunning:
		return status == StatusActive || status == StatusActivating || status == StatusReloading
	case TargetStopped:
		return status == StatusInactive || status == StatusFailed || status == StatusDeactivating
	case TargetAbsent:
		return status == StatusNotFound || status == StatusInactive
	}
	return false
}

// Action is what the engine did with a unit during a pass.
type Action = string

const (
	ActionNone   Action = "none"
	ActionApply  Action = "apply"
	ActionRemove Action = "remove"
)

// Outcome summarizes a unit's result in a StatusReport.
type Outcome = string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Reasons attached to skipped and re-applied units.
const (
	ReasonUnchanged  = "unchanged"
	ReasonSuperseded = "superseded"
	ReasonDrift      = "drift"
	ReasonRemoved    = "removed"
	ReasonRejected   = "rejected"
)
