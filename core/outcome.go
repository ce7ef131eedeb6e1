package core

import (
	"fmt"
	"net"
)

// OutcomeKind is the semantic result of a single probe
type OutcomeKind int

const (
	// NoReply is the outcome of a probe that did not receive a matching reply before its deadline
	NoReply OutcomeKind = iota
	// IntermediateHop is the outcome of a probe answered by a router on the path
	IntermediateHop
	// DestinationReached is the outcome of a probe answered by the final segment of the path
	DestinationReached
	// PortOpen is the outcome of a SYN probe answered with SYN+ACK
	PortOpen
	// PortClosedOrFiltered is the outcome of a SYN probe answered with RST
	PortClosedOrFiltered
)

func (k OutcomeKind) String() string {
	switch k {
	case NoReply:
		return "no-reply"
	case IntermediateHop:
		return "intermediate-hop"
	case DestinationReached:
		return "destination-reached"
	case PortOpen:
		return "port-open"
	case PortClosedOrFiltered:
		return "port-closed-or-filtered"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// MarshalText renders the kind by name in structured output.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ReplyOutcome is the classification of one probe. It is never mutated after creation.
type ReplyOutcome struct {
	Kind OutcomeKind `json:"kind" yaml:"kind"`

	// Responder is the source address of the reply, nil for NoReply.
	Responder net.IP `json:"responder,omitempty" yaml:"responder,omitempty"`

	// Port is the probed port of PortOpen and PortClosedOrFiltered outcomes.
	Port uint16 `json:"port,omitempty" yaml:"port,omitempty"`
}

// IsTerminal returns whether the outcome ends a trace.
func (o ReplyOutcome) IsTerminal() bool {
	switch o.Kind {
	case DestinationReached, PortOpen, PortClosedOrFiltered:
		return true
	}
	return false
}
