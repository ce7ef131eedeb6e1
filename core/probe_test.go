package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = net.IPv4(192, 0, 2, 10)

func TestParseProtocol(t *testing.T) {
	cases := map[string]Protocol{"TCP": TCP, "tcp": TCP, " Udp ": UDP, "ICMP": ICMP, "icmp": ICMP}
	for s, want := range cases {
		got, err := ParseProtocol(s)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseProtocolRejectsUnknown(t *testing.T) {
	for _, s := range []string{"", "SCTP", "tcp6", "ICMPv6"} {
		_, err := ParseProtocol(s)
		assert.ErrorIs(t, err, ErrInvalidProtocol)
	}
}

func TestParseIPVersion(t *testing.T) {
	v, err := ParseIPVersion(4)
	assert.NoError(t, err)
	assert.Equal(t, IPv4, v)

	v, err = ParseIPVersion(6)
	assert.NoError(t, err)
	assert.Equal(t, IPv6, v)

	_, err = ParseIPVersion(5)
	assert.Error(t, err)
}

func TestBuildTraceProbeTCP(t *testing.T) {
	p, err := BuildProbe(target, IPv4, TCP, HopLimit(7), 40000)
	require.NoError(t, err)

	assert.True(t, p.Trace)
	assert.Equal(t, 7, p.TTL)
	assert.Equal(t, uint16(80), p.DstPort)
	assert.Equal(t, uint16(40000), p.SrcPort)
	assert.Equal(t, uint32(40000)<<16|7, p.Seq)
}

func TestBuildTraceProbeUDP(t *testing.T) {
	p, err := BuildProbe(target, IPv6, UDP, HopLimit(3), 40000)
	require.NoError(t, err)

	assert.Equal(t, IPv6, p.Version)
	assert.Equal(t, 3, p.TTL)
	assert.Equal(t, uint16(33434), p.DstPort)
	assert.Equal(t, uint16(40000), p.SrcPort)
	assert.Equal(t, 3, p.PayloadLen)
}

// TestUDPTraceProbesDifferByLength verifies that a router's reply to one ttl never matches another
func TestUDPTraceProbesDifferByLength(t *testing.T) {
	first, err := BuildProbe(target, IPv4, UDP, HopLimit(1), 40000)
	require.NoError(t, err)
	second, err := BuildProbe(target, IPv4, UDP, HopLimit(2), 40000)
	require.NoError(t, err)

	r := timeExceededFrom(routerAt(1), first)
	assert.True(t, first.Matches(r))
	assert.False(t, second.Matches(r))
}

func TestBuildTraceProbeICMP(t *testing.T) {
	p, err := BuildProbe(target, IPv4, ICMP, HopLimit(12), 40000)
	require.NoError(t, err)

	assert.Equal(t, 12, p.TTL)
	assert.Equal(t, uint16(40000), p.ID)
	assert.Equal(t, uint32(12), p.Seq)
	assert.Zero(t, p.SrcPort)
	assert.Zero(t, p.DstPort)
}

func TestBuildScanProbe(t *testing.T) {
	p, err := BuildProbe(target, IPv4, TCP, DstPort(8080), 40000)
	require.NoError(t, err)

	assert.False(t, p.Trace)
	assert.Equal(t, defaultProbeTTL, p.TTL)
	assert.Equal(t, uint16(8080), p.DstPort)
	assert.Equal(t, uint16(40000), p.SrcPort)
}

func TestBuildScanProbeICMPFails(t *testing.T) {
	p, err := BuildProbe(target, IPv4, ICMP, DstPort(80), 40000)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	assert.Nil(t, p)
}

func TestBuildProbeUnknownProtocolFails(t *testing.T) {
	_, err := BuildProbe(target, IPv4, Protocol(42), HopLimit(1), 40000)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestProbeMatchesQuotedReplies(t *testing.T) {
	for _, proto := range []Protocol{TCP, UDP, ICMP} {
		p, err := BuildProbe(target, IPv4, proto, HopLimit(4), 40000)
		require.NoError(t, err)

		r := timeExceededFrom(routerAt(4), p)
		assert.True(t, p.Matches(r), proto.String())

		other := *r.Quote
		other.Dst = net.IPv4(192, 0, 2, 11)
		assert.False(t, p.Matches(&Reply{Protocol: ICMP, Quote: &other}), proto.String())

		other = *r.Quote
		other.Protocol = (proto + 1) % 3
		assert.False(t, p.Matches(&Reply{Protocol: ICMP, Quote: &other}), proto.String())
	}
}

func TestProbeMatchesTCPReplies(t *testing.T) {
	p, err := BuildProbe(target, IPv4, TCP, DstPort(443), 40000)
	require.NoError(t, err)

	assert.True(t, p.Matches(tcpReplyTo(p, TCPFlags{SYN: true, ACK: true})))
	assert.True(t, p.Matches(tcpReplyTo(p, TCPFlags{RST: true})))

	wrongAck := tcpReplyTo(p, TCPFlags{SYN: true, ACK: true})
	wrongAck.Ack++
	assert.False(t, p.Matches(wrongAck))

	wrongPort := tcpReplyTo(p, TCPFlags{SYN: true, ACK: true})
	wrongPort.SrcPort = 444
	assert.False(t, p.Matches(wrongPort))

	assert.False(t, p.Matches(nil))
}
