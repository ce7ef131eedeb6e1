package core

import (
	"net"
	"time"
)

// Raw packet read from a connection and handed to the exchange loop.
type rawPacket struct {
	proto    Protocol  // protocol of the socket the packet was read from
	content  []byte    // transport header and payload, IP header stripped
	src      net.IP    // source address of the packet
	received time.Time // time the packet was read
}

// TCPFlags are the control bits of a TCP reply relevant to classification.
type TCPFlags struct {
	SYN bool
	ACK bool
	RST bool
}

// Quote is the header of the original datagram embedded in an ICMP error message.
type Quote struct {
	Dst      net.IP
	Protocol Protocol
	SrcPort  uint16
	DstPort  uint16
	Length   uint16 // UDP only
	ID       uint16
	Seq      uint32
}

// Reply is a parsed incoming packet that may answer a probe.
type Reply struct {
	// Src is the address of the responder.
	Src net.IP

	// Version is the IP version the reply arrived on.
	Version IPVersion

	// Protocol is the protocol of the reply itself, ICMP for every error message.
	Protocol Protocol

	// ICMPType and ICMPCode are set for ICMP replies.
	ICMPType int
	ICMPCode int

	// TCP replies.
	TCPFlags TCPFlags
	SrcPort  uint16
	DstPort  uint16
	Ack      uint32

	// ICMP echo replies.
	ID  uint16
	Seq uint32

	// Quote is set for ICMP error messages quoting the probe.
	Quote *Quote

	// Received is the time the reply was read from the connection.
	Received time.Time
}
