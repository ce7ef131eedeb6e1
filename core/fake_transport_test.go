package core

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// fakeTransport answers probes through a script instead of the network.
type fakeTransport struct {
	// respond returns the reply a probe gets, nil for none.
	respond func(p *ProbeSpec) *Reply

	// err is returned by every call when set.
	err error

	// failAt makes the call of that index fail with err, 0 means every call.
	failAt int

	calls  int
	probes []*ProbeSpec
	closed bool
}

func (f *fakeTransport) SendAndAwait(ctx context.Context, probe *ProbeSpec, match MatchFunc,
	timeout time.Duration) (*Reply, error) {

	f.calls++
	f.probes = append(f.probes, probe)
	if f.err != nil && (f.failAt == 0 || f.failAt == f.calls) {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.respond == nil {
		return nil, nil
	}
	r := f.respond(probe)
	if r == nil || !match(r) {
		return nil, nil
	}
	r.Received = time.Now()
	return r, nil
}

func (f *fakeTransport) SendAndCollect(ctx context.Context, probes []*ProbeSpec, match MatchFunc,
	timeout time.Duration) ([]*Reply, error) {

	f.calls++
	f.probes = append(f.probes, probes...)
	if f.err != nil && (f.failAt == 0 || f.failAt == f.calls) {
		return nil, f.err
	}

	var replies []*Reply
	for _, p := range probes {
		if f.respond == nil {
			break
		}
		r := f.respond(p)
		if r == nil || !match(r) {
			continue
		}
		r.Received = time.Now()
		replies = append(replies, r)
	}
	return replies, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// timeExceededFrom builds the time exceeded reply a router sends for p.
func timeExceededFrom(router net.IP, p *ProbeSpec) *Reply {
	return &Reply{
		Src:      router,
		Version:  p.Version,
		Protocol: ICMP,
		ICMPType: icmpTypeByVersion(p.Version, 11, 3),
		Quote:    quoteOf(p),
	}
}

// dstUnreachFrom builds the destination unreachable reply the target sends for p.
func dstUnreachFrom(p *ProbeSpec) *Reply {
	return &Reply{
		Src:      p.Target,
		Version:  p.Version,
		Protocol: ICMP,
		ICMPType: icmpTypeByVersion(p.Version, 3, 1),
		ICMPCode: icmpTypeByVersion(p.Version, 3, 4),
		Quote:    quoteOf(p),
	}
}

// tcpReplyTo builds the TCP answer of the target to the SYN p.
func tcpReplyTo(p *ProbeSpec, flags TCPFlags) *Reply {
	return &Reply{
		Src:      p.Target,
		Version:  p.Version,
		Protocol: TCP,
		TCPFlags: flags,
		SrcPort:  p.DstPort,
		DstPort:  p.SrcPort,
		Ack:      p.Seq + 1,
	}
}

func quoteOf(p *ProbeSpec) *Quote {
	q := &Quote{
		Dst:      p.Target,
		Protocol: p.Protocol,
		SrcPort:  p.SrcPort,
		DstPort:  p.DstPort,
		ID:       p.ID,
		Seq:      p.Seq,
	}
	if p.Protocol == UDP {
		q.Length = p.udpLength()
	}
	return q
}

// silentLogger returns a logger that only logs panics
func silentLogger() *log.Logger {
	return NewLogger(0)
}

// icmpTypeByVersion picks the ICMPv4 or ICMPv6 value of a message type
func icmpTypeByVersion(v IPVersion, v4, v6 int) int {
	if v == IPv6 {
		return v6
	}
	return v4
}
