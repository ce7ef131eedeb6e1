package core

import (
	"fmt"
	"net"
	"strings"
)

const (
	// traceTCPPort is the destination port of TCP SYN trace probes.
	traceTCPPort = 80
	// traceUDPPort is the destination port of UDP trace probes.
	traceUDPPort = 33434
	// defaultProbeTTL is the TTL of probes that are not trace probes.
	defaultProbeTTL = 64

	// EphemeralPortStart is the lowest source port picked for a probing run.
	EphemeralPortStart = 32768
	// EphemeralPortEnd is the highest source port picked for a probing run.
	EphemeralPortEnd = 61000
)

// Protocol is the transport protocol embedded in a probe.
type Protocol int

const (
	// TCP probes are SYN segments.
	TCP Protocol = iota
	// UDP probes are empty datagrams.
	UDP
	// ICMP probes are echo requests.
	ICMP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case ICMP:
		return "ICMP"
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// MarshalText renders the protocol by name in structured output.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParseProtocol parses a protocol name, case-insensitively.
// Unknown names are rejected instead of falling back to TCP.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return TCP, nil
	case "UDP":
		return UDP, nil
	case "ICMP":
		return ICMP, nil
	}
	return TCP, fmt.Errorf("%w: %q, expected one of TCP, UDP, ICMP", ErrInvalidProtocol, s)
}

// IPVersion is the IP version of a probe.
type IPVersion int

const (
	// IPv4 probes carry an IPv4 header with a TTL.
	IPv4 IPVersion = 4
	// IPv6 probes carry an IPv6 header with a hop limit.
	IPv6 IPVersion = 6
)

func (v IPVersion) String() string {
	return fmt.Sprintf("IPv%d", int(v))
}

// ParseIPVersion validates a numeric IP version.
func ParseIPVersion(v int) (IPVersion, error) {
	switch v {
	case 4:
		return IPv4, nil
	case 6:
		return IPv6, nil
	}
	return IPv4, fmt.Errorf("invalid IP version %d, expected 4 or 6", v)
}

// network returns the name used when resolving addresses of this version.
func (v IPVersion) network() string {
	if v == IPv6 {
		return "ip6"
	}
	return "ip4"
}

type variantKind int

const (
	hopLimitVariant variantKind = iota
	dstPortVariant
)

// Variant is the probe-specific parameter: a hop limit for tracing or a destination port for scanning.
type Variant struct {
	kind  variantKind
	value int
}

// HopLimit returns the variant of a trace probe expiring after ttl hops.
func HopLimit(ttl int) Variant {
	return Variant{kind: hopLimitVariant, value: ttl}
}

// DstPort returns the variant of a scan probe targeting port.
func DstPort(port uint16) Variant {
	return Variant{kind: dstPortVariant, value: int(port)}
}

// IsTrace returns whether the variant describes a trace probe.
func (v Variant) IsTrace() bool {
	return v.kind == hopLimitVariant
}

// ProbeSpec is a fully specified outbound probe. It is consumed by exactly one transmission.
type ProbeSpec struct {
	Target   net.IP
	Version  IPVersion
	Protocol Protocol

	// TTL is the IPv4 TTL or IPv6 hop limit written in the header.
	TTL int

	// SrcPort and DstPort are the TCP/UDP ports, unused by ICMP probes.
	SrcPort uint16
	DstPort uint16

	// ID is the ICMP echo identifier, unused by TCP/UDP probes.
	ID uint16

	// Seq is the TCP sequence number or ICMP echo sequence. Trace probes carry their ttl in it.
	Seq uint32

	// PayloadLen is the number of zero bytes after the UDP header. UDP trace probes carry their ttl in
	// it, the UDP length is then quoted back by routers.
	PayloadLen int

	// Trace tells whether the probe belongs to a path trace.
	Trace bool
}

// BuildProbe builds a probe for target. ident is the run identity, used as the source port of TCP/UDP
// probes and as the echo identifier of ICMP probes. The target is not checked for reachability.
func BuildProbe(target net.IP, version IPVersion, protocol Protocol, v Variant, ident uint16) (*ProbeSpec, error) {
	p := &ProbeSpec{
		Target:   target,
		Version:  version,
		Protocol: protocol,
		TTL:      defaultProbeTTL,
		Trace:    v.IsTrace(),
	}

	if p.Trace {
		p.TTL = v.value
		p.Seq = uint32(v.value)
	}

	switch protocol {
	case TCP:
		p.SrcPort = ident
		p.DstPort = traceTCPPort
		if !p.Trace {
			p.DstPort = uint16(v.value)
		}
		p.Seq = uint32(ident)<<16 | uint32(v.value)
	case UDP:
		p.SrcPort = ident
		p.DstPort = traceUDPPort
		if p.Trace {
			p.PayloadLen = v.value
		} else {
			p.DstPort = uint16(v.value)
		}
	case ICMP:
		if !p.Trace {
			return nil, fmt.Errorf("%w: ICMP probes can only be used for tracing", ErrInvalidProtocol)
		}
		p.ID = ident
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProtocol, protocol)
	}

	return p, nil
}

// udpLength returns the length field of the UDP header of the probe.
func (p *ProbeSpec) udpLength() uint16 {
	return uint16(udpHeaderLen + p.PayloadLen)
}

// Matches returns whether reply answers this probe, matching on addresses, ports and sequence numbers.
func (p *ProbeSpec) Matches(r *Reply) bool {
	if r == nil {
		return false
	}

	if q := r.Quote; q != nil {
		if !q.Dst.Equal(p.Target) || q.Protocol != p.Protocol {
			return false
		}
		switch p.Protocol {
		case TCP:
			return q.SrcPort == p.SrcPort && q.DstPort == p.DstPort && q.Seq == p.Seq
		case UDP:
			return q.SrcPort == p.SrcPort && q.DstPort == p.DstPort && q.Length == p.udpLength()
		case ICMP:
			return q.ID == p.ID && uint32(q.Seq) == p.Seq
		}
		return false
	}

	if !r.Src.Equal(p.Target) || r.Protocol != p.Protocol {
		return false
	}

	switch p.Protocol {
	case TCP:
		if r.SrcPort != p.DstPort || r.DstPort != p.SrcPort {
			return false
		}
		// a SYN+ACK acknowledges seq+1, a RST answering a SYN may carry ack seq+1 or nothing
		return !r.TCPFlags.ACK || r.Ack == p.Seq+1
	case ICMP:
		return r.ID == p.ID && uint32(r.Seq) == p.Seq
	}

	return false
}
