package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackConn is a packetConn whose replies are produced by the writes themselves. Its receive
// buffer holds a single packet per protocol: a write blocks until the previous reply has been read.
type loopbackConn struct {
	// reply returns the packet answering a probe, nil for none.
	reply func(p *ProbeSpec) *rawPacket

	writeErr error
	readErr  error

	queues map[Protocol]chan *rawPacket

	mu        sync.Mutex
	deadlines map[Protocol]time.Time
	written   int
	closed    bool
}

func newLoopbackConn(reply func(p *ProbeSpec) *rawPacket) *loopbackConn {
	return &loopbackConn{
		reply: reply,
		queues: map[Protocol]chan *rawPacket{
			ICMP: make(chan *rawPacket, 1),
			TCP:  make(chan *rawPacket, 1),
			UDP:  make(chan *rawPacket, 1),
		},
		deadlines: make(map[Protocol]time.Time),
	}
}

func (c *loopbackConn) open(proto Protocol) error {
	return nil
}

func (c *loopbackConn) write(p *ProbeSpec) error {
	if c.writeErr != nil {
		return c.writeErr
	}

	c.mu.Lock()
	c.written++
	c.mu.Unlock()

	if c.reply == nil {
		return nil
	}
	raw := c.reply(p)
	if raw == nil {
		return nil
	}

	select {
	case c.queues[raw.proto] <- raw:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("receive buffer overflow on probe to port %d", p.DstPort)
	}
}

func (c *loopbackConn) read(proto Protocol) (*rawPacket, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}

	c.mu.Lock()
	deadline := c.deadlines[proto]
	c.mu.Unlock()

	select {
	case raw := <-c.queues[proto]:
		raw.received = time.Now()
		return raw, nil
	case <-time.After(time.Until(deadline)):
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *loopbackConn) setReadDeadline(proto Protocol, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deadlines[proto] = deadline
	return nil
}

func (c *loopbackConn) close() error {
	c.closed = true
	return nil
}

// tcpAnswer returns the raw TCP segment the target answers the SYN p with
func tcpAnswer(flags TCPFlags) func(p *ProbeSpec) *rawPacket {
	return func(p *ProbeSpec) *rawPacket {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.DstPort),
			DstPort: layers.TCPPort(p.SrcPort),
			Ack:     p.Seq + 1,
			SYN:     flags.SYN,
			ACK:     flags.ACK,
			RST:     flags.RST,
			Window:  tcpWindow,
		}

		buffer := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buffer, gopacket.SerializeOptions{FixLengths: true}, tcp); err != nil {
			return nil
		}
		return &rawPacket{proto: TCP, content: buffer.Bytes(), src: p.Target}
	}
}

func sweepProbes(t *testing.T, n int) []*ProbeSpec {
	probes := make([]*ProbeSpec, 0, n)
	for port := 1; port <= n; port++ {
		p, err := BuildProbe(target, IPv4, TCP, DstPort(uint16(port)), 40000)
		require.NoError(t, err)
		probes = append(probes, p)
	}
	return probes
}

func matchAny(probes []*ProbeSpec) MatchFunc {
	return func(r *Reply) bool {
		for _, p := range probes {
			if p.Matches(r) {
				return true
			}
		}
		return false
	}
}

// TestExchangeCollectsRepliesWhileSending verifies that replies answering the first probes of a
// batch are consumed while the rest of the batch is still being written
func TestExchangeCollectsRepliesWhileSending(t *testing.T) {
	conn := newLoopbackConn(tcpAnswer(TCPFlags{SYN: true, ACK: true}))
	tr := newRawTransport(IPv4, silentLogger(), conn)

	probes := sweepProbes(t, 300)
	replies, err := tr.SendAndCollect(context.Background(), probes, matchAny(probes), 50*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 300, conn.written)
	require.Len(t, replies, 300)
	for i, r := range replies {
		assert.Equal(t, uint16(i+1), r.SrcPort)
		assert.Equal(t, TCPFlags{SYN: true, ACK: true}, r.TCPFlags)
		assert.False(t, r.Received.IsZero())
	}
}

// TestExchangeIgnoresForeignPackets verifies that packets failing the match are not collected
func TestExchangeIgnoresForeignPackets(t *testing.T) {
	conn := newLoopbackConn(tcpAnswer(TCPFlags{RST: true}))
	tr := newRawTransport(IPv4, silentLogger(), conn)

	probes := sweepProbes(t, 5)
	replies, err := tr.SendAndCollect(context.Background(), probes, matchAny(probes[:2]), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, replies, 2)
}

func TestSendAndAwaitReturnsReply(t *testing.T) {
	conn := newLoopbackConn(tcpAnswer(TCPFlags{SYN: true, ACK: true}))
	tr := newRawTransport(IPv4, silentLogger(), conn)

	p := sweepProbes(t, 1)[0]
	r, err := tr.SendAndAwait(context.Background(), p, p.Matches, time.Second)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, PortOpen, Classify(p, r).Kind)
}

func TestSendAndAwaitTimeout(t *testing.T) {
	tr := newRawTransport(IPv4, silentLogger(), newLoopbackConn(nil))

	p := sweepProbes(t, 1)[0]
	start := time.Now()
	r, err := tr.SendAndAwait(context.Background(), p, p.Matches, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, r)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestExchangeWriteError(t *testing.T) {
	conn := newLoopbackConn(nil)
	conn.writeErr = fmt.Errorf("%w: operation not permitted", ErrTransportUnavailable)
	tr := newRawTransport(IPv4, silentLogger(), conn)

	_, err := tr.SendAndCollect(context.Background(), sweepProbes(t, 3), func(*Reply) bool { return true }, time.Second)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestExchangeReadError(t *testing.T) {
	conn := newLoopbackConn(nil)
	conn.readErr = errors.New("socket closed")
	tr := newRawTransport(IPv4, silentLogger(), conn)

	p := sweepProbes(t, 1)[0]
	_, err := tr.SendAndAwait(context.Background(), p, p.Matches, time.Second)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestExchangeCancelled(t *testing.T) {
	tr := newRawTransport(IPv4, silentLogger(), newLoopbackConn(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := sweepProbes(t, 1)[0]
	_, err := tr.SendAndAwait(ctx, p, p.Matches, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRawTransportClose(t *testing.T) {
	conn := newLoopbackConn(nil)
	tr := newRawTransport(IPv4, silentLogger(), conn)

	assert.NoError(t, tr.Close())
	assert.True(t, conn.closed)
}

func TestRawSocketsNetwork(t *testing.T) {
	v4 := &rawSockets{version: IPv4}
	assert.Equal(t, "ip4:tcp", v4.network(TCP))
	assert.Equal(t, "ip4:udp", v4.network(UDP))
	assert.Equal(t, "ip4:icmp", v4.network(ICMP))

	v6 := &rawSockets{version: IPv6}
	assert.Equal(t, "ip6:tcp", v6.network(TCP))
	assert.Equal(t, "ip6:ipv6-icmp", v6.network(ICMP))
}
