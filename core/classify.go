package core

import (
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Classify maps the reply to a probe, or its absence, to an outcome. It performs no I/O and always
// returns the same outcome for the same inputs.
//
// Destination unreachable is the terminal condition of a trace: the final segment answered. Replies
// that are neither time exceeded, destination unreachable nor a TCP answer to a SYN are folded into
// IntermediateHop with the responder address.
func Classify(probe *ProbeSpec, reply *Reply) ReplyOutcome {
	if reply == nil {
		return ReplyOutcome{Kind: NoReply}
	}

	out := ReplyOutcome{Kind: IntermediateHop, Responder: reply.Src}

	switch reply.Protocol {
	case ICMP:
		switch {
		case isDstUnreach(reply):
			out.Kind = DestinationReached
		case isTimeExceeded(reply):
			out.Kind = IntermediateHop
		}
	case TCP:
		if probe.Protocol != TCP {
			break
		}
		switch {
		case reply.TCPFlags.SYN && reply.TCPFlags.ACK:
			out.Kind = PortOpen
			out.Port = probe.DstPort
		case reply.TCPFlags.RST:
			out.Kind = PortClosedOrFiltered
			out.Port = probe.DstPort
		}
	}

	return out
}

func isDstUnreach(r *Reply) bool {
	if r.Version == IPv6 {
		return r.ICMPType == int(ipv6.ICMPTypeDestinationUnreachable)
	}
	return r.ICMPType == int(ipv4.ICMPTypeDestinationUnreachable)
}

func isTimeExceeded(r *Reply) bool {
	if r.Version == IPv6 {
		return r.ICMPType == int(ipv6.ICMPTypeTimeExceeded)
	}
	return r.ICMPType == int(ipv4.ICMPTypeTimeExceeded)
}
