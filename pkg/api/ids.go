package api

import (
	"encoding/gob"

	"github.com/google/uuid"
)

func init() {
	gob.Register(FlowId{})
}

// FlowId is the opaque unique identifier of a running or completed flow
// instance.
type FlowId struct {
	uuid.UUID
}

// NewFlowId generates a fresh, random FlowId.
func NewFlowId() FlowId {
	return FlowId{UUID: uuid.New()}
}

// ParseFlowId parses the canonical string form of a FlowId.
func ParseFlowId(s string) (FlowId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FlowId{}, err
	}
	return FlowId{UUID: u}, nil
}

func (f FlowId) String() string {
	return f.UUID.String()
}

// SessionId identifies one end of a bidirectional session between two
// flows, possibly on two different nodes. It is transmitted on the wire
// (§6 session message envelope), so unlike FlowId it is a compact integer
// rather than a UUID.
type SessionId uint64

// Peer identifies the counterparty node a session talks to. The core
// treats it as an opaque string (a serialized X.500 name or node public
// key fingerprint, depending on the identity service); it never parses
// or validates it.
type Peer string
