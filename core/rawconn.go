package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	icmpNetwork   = "ip4:icmp"
	tcpNetwork    = "ip4:tcp"
	udpNetwork    = "ip4:udp"
	icmpv6Network = "ip6:ipv6-icmp"
	tcpv6Network  = "ip6:tcp"
	udpv6Network  = "ip6:udp"

	pollInterval  = 200 * time.Millisecond
	maxPacketSize = 1500
)

// packetConn is the socket layer under a RawTransport.
type packetConn interface {
	// open opens the connection of proto, if not open yet.
	open(proto Protocol) error
	// write serializes and sends one probe.
	write(p *ProbeSpec) error
	// read reads one packet from the connection of proto.
	read(proto Protocol) (*rawPacket, error)
	setReadDeadline(proto Protocol, deadline time.Time) error
	close() error
}

// RawTransport is a Transport sending probes through raw IP sockets. It requires the privilege to open
// raw sockets.
//
// Exchanges are serialized: only one probing operation uses the sockets at a time.
type RawTransport struct {
	version IPVersion
	logger  *log.Logger

	mu   sync.Mutex
	conn packetConn
}

// NewRawTransport opens a raw transport for the IP version. It fails with ErrTransportUnavailable when
// raw sockets cannot be opened, usually for lack of privilege.
func NewRawTransport(version IPVersion, logger *log.Logger) (*RawTransport, error) {
	s := &rawSockets{
		version: version,
		logger:  logger,
		v4:      make(map[Protocol]*ipv4.RawConn),
		v6:      make(map[Protocol]*ipv6.PacketConn),
		srcs:    make(map[string]net.IP),
	}

	// ICMP carries most replies, opening it first surfaces missing privileges before any probing
	if err := s.open(ICMP); err != nil {
		return nil, err
	}

	return newRawTransport(version, logger, s), nil
}

func newRawTransport(version IPVersion, logger *log.Logger, conn packetConn) *RawTransport {
	return &RawTransport{
		version: version,
		logger:  logger,
		conn:    conn,
	}
}

// SendAndAwait implements Transport.
func (t *RawTransport) SendAndAwait(ctx context.Context, probe *ProbeSpec, match MatchFunc,
	timeout time.Duration) (*Reply, error) {

	replies, err := t.exchange(ctx, []*ProbeSpec{probe}, match, timeout, true)
	if err != nil || len(replies) == 0 {
		return nil, err
	}
	return replies[0], nil
}

// SendAndCollect implements Transport.
func (t *RawTransport) SendAndCollect(ctx context.Context, probes []*ProbeSpec, match MatchFunc,
	timeout time.Duration) ([]*Reply, error) {

	return t.exchange(ctx, probes, match, timeout, false)
}

// Close closes every open connection.
func (t *RawTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn.close()
}

// exchange sends the probes and collects matching replies until the timeout expires, or until the
// first match if first is set. The timeout starts once the last probe has been written, replies
// arriving while the batch is still being written are collected too.
func (t *RawTransport) exchange(ctx context.Context, probes []*ProbeSpec, match MatchFunc,
	timeout time.Duration, first bool) ([]*Reply, error) {

	t.mu.Lock()
	defer t.mu.Unlock()

	protos := []Protocol{ICMP}
	for _, p := range probes {
		if err := t.conn.open(p.Protocol); err != nil {
			return nil, err
		}
		if p.Protocol == TCP && len(protos) == 1 {
			protos = append(protos, TCP)
		}
	}

	stop := make(chan struct{})
	recv := make(chan *rawPacket, 64)
	fail := make(chan error, len(protos))
	sent := make(chan error, 1)

	// pollers must be running before the first probe leaves
	t.logger.Debugf("Calling goroutines to poll %d connections for incoming raw packets", len(protos))
	var wg sync.WaitGroup
	for _, proto := range protos {
		wg.Add(1)
		go t.pollConnection(&wg, stop, proto, recv, fail)
	}

	wg.Add(1)
	go t.writeProbes(&wg, stop, probes, sent)

	defer func() {
		close(stop)
		wg.Wait()
	}()

	// window stays nil, blocking forever, until the whole batch is written
	var timer *time.Timer
	var window <-chan time.Time
	defer func() {
		if timer != nil {
			clearTimer(timer)
		}
	}()

	var replies []*Reply
	for {
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case err := <-sent:
			if err != nil {
				return replies, err
			}
			t.logger.Debugf("Waiting %s for replies to %d probes", timeout, len(probes))
			timer = time.NewTimer(timeout)
			window = timer.C
		case <-window:
			t.logger.Debugf("Reply window has expired with %d replies", len(replies))
			return replies, nil
		case err := <-fail:
			return replies, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		case raw := <-recv:
			r, err := parseReply(t.version, raw.proto, raw.src, raw.content)
			if err != nil {
				t.logger.Debugf("Could not parse raw packet: %s", err)
				continue
			}
			if r == nil || !match(r) {
				t.logger.Trace("Received raw packet was not a match")
				continue
			}

			r.Received = raw.received
			replies = append(replies, r)
			if first {
				return replies, nil
			}
		}
	}
}

// writeProbes writes the probes in order until done or stop is closed, then reports on sent.
func (t *RawTransport) writeProbes(wg *sync.WaitGroup, stop <-chan struct{}, probes []*ProbeSpec,
	sent chan<- error) {

	defer wg.Done()

	for _, p := range probes {
		select {
		case <-stop:
			return
		default:
		}

		if err := t.conn.write(p); err != nil {
			sent <- err
			return
		}
	}
	sent <- nil
}

// pollConnection constantly polls the connection of proto until stop is closed, forwarding packets to recv.
func (t *RawTransport) pollConnection(wg *sync.WaitGroup, stop <-chan struct{}, proto Protocol,
	recv chan<- *rawPacket, fail chan<- error) {

	defer wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := t.conn.setReadDeadline(proto, time.Now().Add(pollInterval)); err != nil {
			fail <- fmt.Errorf("error while setting read deadline: %w", err)
			return
		}

		raw, err := t.conn.read(proto)
		if err != nil {
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			fail <- fmt.Errorf("error while reading from %s connection: %w", proto, err)
			return
		}

		select {
		case recv <- raw:
		case <-stop:
			return
		}
	}
}

// rawSockets holds the raw connections of one IP version, opened per protocol on demand.
type rawSockets struct {
	version IPVersion
	logger  *log.Logger

	// v4 holds the header-included connections of an IPv4 transport, by protocol.
	v4 map[Protocol]*ipv4.RawConn

	// v6 holds the connections of an IPv6 transport, by protocol.
	v6 map[Protocol]*ipv6.PacketConn

	// srcs caches the local address used to reach each target.
	srcs map[string]net.IP
}

func (t *rawSockets) close() error {
	var errs []error
	for proto, c := range t.v4 {
		errs = append(errs, c.Close())
		delete(t.v4, proto)
	}
	for proto, c := range t.v6 {
		errs = append(errs, c.Close())
		delete(t.v6, proto)
	}

	return errors.Join(errs...)
}

// write serializes and sends one probe. Only failures that prevent any further probing are returned,
// a probe that cannot leave this host is logged and will be accounted as unanswered.
func (t *rawSockets) write(p *ProbeSpec) error {
	if (t.version == IPv4 && !isIPv4(p.Target)) || (t.version == IPv6 && !isIPv6(p.Target)) {
		return fmt.Errorf("target %s is not an %s address", p.Target, t.version)
	}

	src, err := t.sourceFor(p.Target)
	if err != nil {
		t.logger.Warnf("Could not send probe to %s: %s", p.Target, err)
		return nil
	}

	wire, err := MarshalProbe(p, src)
	if err != nil {
		return fmt.Errorf("could not marshal probe: %w", err)
	}

	t.logger.Tracef("Writing probe %x to address %s", wire, p.Target)

	if t.version == IPv4 {
		var h *ipv4.Header
		h, err = ipv4.ParseHeader(wire)
		if err == nil {
			err = t.v4[p.Protocol].WriteTo(h, wire[h.Len:], nil)
		}
	} else {
		cm := &ipv6.ControlMessage{HopLimit: p.TTL}
		_, err = t.v6[p.Protocol].WriteTo(wire[ipv6.HeaderLen:], cm, &net.IPAddr{IP: p.Target})
	}

	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: error while sending probe: %w", ErrTransportUnavailable, err)
		}
		t.logger.Warnf("Error while sending probe to %s: %s", p.Target, err)
	}

	return nil
}

// sourceFor returns the local address the kernel routes target from.
func (t *rawSockets) sourceFor(target net.IP) (net.IP, error) {
	key := target.String()
	if ip, ok := t.srcs[key]; ok {
		return ip, nil
	}

	network := "udp4"
	if t.version == IPv6 {
		network = "udp6"
	}

	// connecting a datagram socket sends nothing but resolves the route
	conn, err := net.Dial(network, net.JoinHostPort(key, strconv.Itoa(traceUDPPort)))
	if err != nil {
		return nil, fmt.Errorf("could not find a route to %s: %w", target, err)
	}
	defer conn.Close()

	ip := conn.LocalAddr().(*net.UDPAddr).IP
	t.srcs[key] = ip
	t.logger.Debugf("Probes to %s leave from %s", target, ip)

	return ip, nil
}

// read reads one packet from the connection of proto.
func (t *rawSockets) read(proto Protocol) (*rawPacket, error) {
	buffer := make([]byte, maxPacketSize)

	if t.version == IPv4 {
		h, payload, _, err := t.v4[proto].ReadFrom(buffer)
		if err != nil {
			return nil, err
		}
		return &rawPacket{proto: proto, content: payload, src: h.Src, received: time.Now()}, nil
	}

	length, _, peer, err := t.v6[proto].ReadFrom(buffer)
	if err != nil {
		return nil, err
	}
	var src net.IP
	if ipaddr, ok := peer.(*net.IPAddr); ok {
		src = ipaddr.IP
	}
	return &rawPacket{proto: proto, content: buffer[:length], src: src, received: time.Now()}, nil
}

func (t *rawSockets) setReadDeadline(proto Protocol, deadline time.Time) error {
	if t.version == IPv4 {
		return t.v4[proto].SetReadDeadline(deadline)
	}
	return t.v6[proto].SetReadDeadline(deadline)
}

// open opens the connection of proto, if not open yet.
func (t *rawSockets) open(proto Protocol) error {
	network := t.network(proto)

	if t.version == IPv4 {
		if _, ok := t.v4[proto]; ok {
			return nil
		}

		t.logger.Infof("Starting to listen to packets in network %s", network)
		c, err := net.ListenPacket(network, "0.0.0.0")
		if err != nil {
			return fmt.Errorf("%w: could not listen to network %s: %w", ErrTransportUnavailable, network, err)
		}
		rc, err := ipv4.NewRawConn(c)
		if err != nil {
			c.Close()
			return fmt.Errorf("%w: could not include IP headers in network %s: %w",
				ErrTransportUnavailable, network, err)
		}

		t.v4[proto] = rc
		return nil
	}

	if _, ok := t.v6[proto]; ok {
		return nil
	}

	t.logger.Infof("Starting to listen to packets in network %s", network)
	c, err := net.ListenPacket(network, "::")
	if err != nil {
		return fmt.Errorf("%w: could not listen to network %s: %w", ErrTransportUnavailable, network, err)
	}
	pc := ipv6.NewPacketConn(c)

	if proto == ICMP {
		var f ipv6.ICMPFilter
		f.SetAll(true)
		for _, typ := range []ipv6.ICMPType{
			ipv6.ICMPTypeDestinationUnreachable,
			ipv6.ICMPTypePacketTooBig,
			ipv6.ICMPTypeTimeExceeded,
			ipv6.ICMPTypeParameterProblem,
			ipv6.ICMPTypeEchoReply,
		} {
			f.Accept(typ)
		}
		if err := pc.SetICMPFilter(&f); err != nil {
			t.logger.Warnf("Could not set ICMPv6 filter, every ICMPv6 message will be parsed: %s", err)
		}
	}

	t.v6[proto] = pc
	return nil
}

// network returns the raw network name of proto for the transport's IP version.
func (t *rawSockets) network(proto Protocol) string {
	if t.version == IPv4 {
		switch proto {
		case TCP:
			return tcpNetwork
		case UDP:
			return udpNetwork
		}
		return icmpNetwork
	}

	switch proto {
	case TCP:
		return tcpv6Network
	case UDP:
		return udpv6Network
	}
	return icmpv6Network
}
