// Package coordinator defines the session protocol spoken between the agent
// and its coordinator: a JSON envelope exchanged over a bidirectional gRPC
// stream.
package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolVersion is sent in the hello so the coordinator can reject agents it
// does not understand.
const ProtocolVersion = 1

// Kind identifies the message an Envelope carries.
type Kind string

const (
	KindHello        Kind = "hello"
	KindWelcome      Kind = "welcome"
	KindReject       Kind = "reject"
	KindDesiredState Kind = "desired-state"
	KindReport       Kind = "report"
	KindReportAck    Kind = "report-ack"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
)

// Envelope is a single message on the session stream. Payload is the JSON
// body of the message, its integrity protected by Checksum.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
	ReportID  string          `json:"report_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Permanent bool            `json:"permanent,omitempty"`
}

// Hello opens a session.
type Hello struct {
	ProtocolVersion int          `json:"protocol_version"`
	AgentVersion    string       `json:"agent_version"`
	NodeName        string       `json:"node_name"`
	LastVersion     uint64       `json:"last_version"`
	Node            *NodeDetails `json:"node,omitempty"`
}

// NodeDetails advertises the host to the coordinator.
type NodeDetails struct {
	Hostname   string            `json:"hostname"`
	Interfaces []Interface       `json:"interfaces,omitempty"`
	SSHKeys    map[string]string `json:"ssh_host_keys,omitempty"`
}

type Interface struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// Checksum returns the sha256 hex digest of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewEnvelope encodes body as the payload of a new envelope of the given kind.
func NewEnvelope(kind Kind, body interface{}) (*Envelope, error) {
	env := &Envelope{Kind: kind}
	if body == nil {
		return env, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encode %s payload", kind)
	}
	env.Payload = payload
	env.Checksum = Checksum(payload)
	return env, nil
}

// ChecksumError is a payload that does not match its checksum.
type ChecksumError struct {
	Kind     Kind
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s payload checksum mismatch: expected %s, computed %s", e.Kind, e.Expected, e.Actual)
}

// Verify checks the payload against its checksum. Envelopes with a payload
// must carry a checksum.
func (e *Envelope) Verify() error {
	if len(e.Payload) == 0 {
		return nil
	}
	actual := Checksum(e.Payload)
	if e.Checksum != actual {
		return &ChecksumError{Kind: e.Kind, Expected: e.Checksum, Actual: actual}
	}
	return nil
}

// Decode verifies and decodes the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := e.Verify(); err != nil {
		return err
	}
	if len(e.Payload) == 0 {
		return errors.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "unable to decode %s payload", e.Kind)
	}
	return nil
}
