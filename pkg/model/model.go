package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DesiredState is a versioned snapshot of the units the coordinator wants on
// this node. Versions increase monotonically; a node never applies a version
// at or below one it has already begun.
type DesiredState struct {
	Version  uint64     `json:"version" toml:"version"`
	Units    []UnitSpec `json:"units" toml:"unit"`
	IssuedAt time.Time  `json:"issued_at,omitempty" toml:"issued_at,omitempty"`
}

// UnitSpec describes a single unit as wanted by the coordinator. A UnitSpec is
// immutable once it is part of a DesiredState.
type UnitSpec struct {
	// Name is the service manager's name for the unit, ie: "chronyd.service".
	Name string `json:"name" toml:"name"`
	// Target is the wanted state.
	Target TargetState `json:"target" toml:"target"`
	// Hash identifies the configuration payload. When empty, the hash of
	// Content is used.
	Hash string `json:"hash,omitempty" toml:"hash,omitempty"`
	// Content is the unit file body to install, if the unit is managed by the
	// agent rather than shipped with the host.
	Content string `json:"content,omitempty" toml:"content,omitempty"`
	// Order breaks ties between units that are ready at the same time, lower
	// values first.
	Order int `json:"order,omitempty" toml:"order,omitempty"`
	// Requires lists units that must be realized before this one.
	Requires []string `json:"requires,omitempty" toml:"requires,omitempty"`
}

// ContentHash returns the hash used to detect configuration changes.
func (u *UnitSpec) ContentHash() string {
	if u.Hash != "" {
		return u.Hash
	}
	if u.Content == "" {
		return ""
	}
	return HashContent(u.Content)
}

// HashContent returns the sha256 hex digest of a unit payload.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Unit returns the named UnitSpec, if present.
func (d *DesiredState) Unit(name string) (UnitSpec, bool) {
	for _, u := range d.Units {
		if u.Name == name {
			return u, true
		}
	}
	return UnitSpec{}, false
}

func (d *DesiredState) DisplayString() string {
	if d == nil {
		return "v0(nil)"
	}
	return fmt.Sprintf("v%d(%d units)", d.Version, len(d.Units))
}

// AppliedRecord is the agent's durable memory of what it last did to a unit.
type AppliedRecord struct {
	Name   string        `json:"name"`
	Hash   string        `json:"hash"`
	Target TargetState   `json:"target"`
	Status RuntimeStatus `json:"status"`
	// Version is the DesiredState version the record was written for.
	Version uint64 `json:"version"`
	// Failed is set when the last apply returned a retryable error, the unit is
	// then retried on the next pass regardless of its hash.
	Failed bool `json:"failed,omitempty"`
	// Rejected is set when the service manager refused the unit as given.
	// The unit is not retried until its hash or target changes.
	Rejected  bool      `json:"rejected,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether the record already realizes spec.
func (r *AppliedRecord) Matches(spec *UnitSpec) bool {
	return !r.Failed && r.Hash == spec.ContentHash() && r.Target == spec.Target
}

// StatusReport summarizes a reconciliation pass for the coordinator.
type StatusReport struct {
	ID          string       `json:"id"`
	Version     uint64       `json:"version"`
	Forced      bool         `json:"forced,omitempty"`
	Superseded  bool         `json:"superseded,omitempty"`
	ConfigError string       `json:"config_error,omitempty"`
	Units       []UnitResult `json:"units"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// UnitResult is a single unit's line in a StatusReport.
type UnitResult struct {
	Name      string        `json:"name"`
	Action    Action        `json:"action"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Status    RuntimeStatus `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// NewReport starts a report for the given version.
func NewReport(version uint64, forced bool, now time.Time) *StatusReport {
	return &StatusReport{
		ID:        uuid.New().String(),
		Version:   version,
		Forced:    forced,
		StartedAt: now,
	}
}

// Result returns the named unit's result, if present.
func (r *StatusReport) Result(name string) (UnitResult, bool) {
	for _, res := range r.Units {
		if res.Name == name {
			return res, true
		}
	}
	return UnitResult{}, false
}

// Count returns the number of units with the given outcome.
func (r *StatusReport) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Units {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

func (r *StatusReport) DisplayString() string {
	if r == nil {
		return ",,"
	}
	return fmt.Sprintf("v%d applied=%d failed=%d skipped=%d",
		r.Version, r.Count(OutcomeApplied), r.Count(OutcomeFailed), r.Count(OutcomeSkipped))
}
