package core

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxPort = 65535

// PortRange is an inclusive range of ports.
type PortRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// ParsePortRange parses a "start-end" port range. A single port is a range of one.
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PortRange{}, fmt.Errorf("%w: empty range", ErrInvalidPortRange)
	}

	bounds := strings.SplitN(spec, "-", 2)
	if len(bounds) == 1 {
		bounds = append(bounds, bounds[0])
	}

	start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: invalid start in %q", ErrInvalidPortRange, spec)
	}
	end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: invalid end in %q", ErrInvalidPortRange, spec)
	}

	r := PortRange{Start: start, End: end}
	if err := r.validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

func (r PortRange) validate() error {
	if r.Start < 0 || r.End < 0 || r.Start > maxPort || r.End > maxPort {
		return fmt.Errorf("%w: ports must be in 0..%d, got %s", ErrInvalidPortRange, maxPort, r)
	}
	if r.Start > r.End {
		return fmt.Errorf("%w: range start greater than end in %s", ErrInvalidPortRange, r)
	}
	return nil
}

// Len returns the number of ports in the range.
func (r PortRange) Len() int {
	return r.End - r.Start + 1
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// parseSubnet parses a CIDR, or a bare address as a single-host subnet. Host bits are cleared.
func parseSubnet(subnet string) (netip.Prefix, error) {
	subnet = strings.TrimSpace(subnet)

	if !strings.Contains(subnet, "/") {
		addr, err := netip.ParseAddr(subnet)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q: %w", ErrInvalidSubnet, subnet, err)
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q: %w", ErrInvalidSubnet, subnet, err)
	}
	if prefix.Addr().Zone() != "" {
		return netip.Prefix{}, fmt.Errorf("%w: %q: zones are not supported", ErrInvalidSubnet, subnet)
	}

	return prefix.Masked(), nil
}

func versionOf(prefix netip.Prefix) IPVersion {
	if prefix.Addr().Is6() {
		return IPv6
	}
	return IPv4
}

// forEachHost calls fn with every usable host of prefix, in increasing order, until fn returns false.
// Hosts are generated one at a time, an IPv6 /64 is only bounded by fn.
// The network address is not usable, nor is the IPv4 broadcast address, except in subnets too small
// to have both.
func forEachHost(prefix netip.Prefix, fn func(netip.Addr) bool) {
	first := prefix.Addr()
	hostBits := first.BitLen() - prefix.Bits()

	if hostBits <= 1 {
		for addr := first; prefix.Contains(addr); addr = addr.Next() {
			if !fn(addr) {
				return
			}
		}
		return
	}

	for addr := first.Next(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		if first.Is4() && !prefix.Contains(addr.Next()) {
			// broadcast
			return
		}
		if !fn(addr) {
			return
		}
	}
}

// HostResult holds the open ports found on one host.
type HostResult struct {
	Addr netip.Addr `json:"addr" yaml:"addr"`

	// Open is the sorted set of open ports, empty when none answered.
	Open []uint16 `json:"open" yaml:"open"`
}

// ScanResult is the outcome of a port sweep.
type ScanResult struct {
	Subnet netip.Prefix `json:"subnet" yaml:"subnet"`
	Ports  PortRange    `json:"ports" yaml:"ports"`

	// Hosts holds one entry per scanned host, in enumeration order.
	Hosts []HostResult `json:"hosts" yaml:"hosts"`

	// Stats contain the overall statistics of the sweep
	Stats Statistics `json:"-" yaml:"-"`

	index map[netip.Addr]int
}

// OpenPorts returns the open ports of addr and whether addr was scanned.
func (r *ScanResult) OpenPorts(addr netip.Addr) ([]uint16, bool) {
	i, ok := r.index[addr]
	if !ok {
		return nil, false
	}
	return r.Hosts[i].Open, true
}

// Sweeper probes a range of TCP ports on every host of a subnet.
type Sweeper struct {
	transport Transport

	// ident is the source port shared by the probes of this sweeper.
	ident uint16

	// logger is an instance of logrus used to log activities related to this sweeper
	logger *log.Logger

	// hostHandlers are the callback functions called when the ports of a host have been scanned.
	hostHandlers []func(*ScanResult, *HostResult)

	// endHandlers are the callback functions called when a sweep ends.
	endHandlers []func(*ScanResult)
}

// NewSweeper creates a sweeper sending its probes through transport.
func NewSweeper(transport Transport, logger *log.Logger) *Sweeper {
	r := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))

	return &Sweeper{
		transport: transport,
		ident:     uint16(EphemeralPortStart + r.Intn(EphemeralPortEnd-EphemeralPortStart)),
		logger:    logger,
	}
}

// AddHostHandler adds a handler function that will be called when the ports of a host have been scanned
func (s *Sweeper) AddHostHandler(handler func(*ScanResult, *HostResult)) {
	s.hostHandlers = append(s.hostHandlers, handler)
}

// AddEndHandler adds a handler function that will be called when a sweep ends, cancelled or not
func (s *Sweeper) AddEndHandler(handler func(*ScanResult)) {
	s.endHandlers = append(s.endHandlers, handler)
}

// Scan sends one SYN per port of the range to every usable host of the subnet, one host at a time.
// The probes of a host are sent as one batch followed by a single reply window of the configured
// timeout, replies arriving later are lost. Ports answering SYN+ACK are recorded as open.
//
// Scan fails before sending anything when the subnet, the port range or the protocol is invalid.
// Cancelling ctx stops the sweep at the next host, the partial result is returned along with the
// context error.
func (s *Sweeper) Scan(ctx context.Context, settings *ScanSettings) (*ScanResult, error) {
	s.logger.Debug("Validating settings")

	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	prefix, err := parseSubnet(settings.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	version := versionOf(prefix)

	res := &ScanResult{
		Subnet: prefix,
		Ports:  settings.Ports,
		Stats:  NewStatistics(),
		index:  make(map[netip.Addr]int),
	}

	s.logger.Infof("Scanning ports %s of subnet %s", settings.Ports, prefix)
	res.Stats.RunStarted()

	forEachHost(prefix, func(addr netip.Addr) bool {
		if err = ctx.Err(); err != nil {
			s.logger.Infof("Sweep cancelled before scanning %s", addr)
			return false
		}

		var host *HostResult
		host, err = s.scanHost(ctx, addr, version, settings, res.Stats)
		if err != nil {
			return false
		}

		res.index[addr] = len(res.Hosts)
		res.Hosts = append(res.Hosts, *host)
		for _, f := range s.hostHandlers {
			f(res, &res.Hosts[len(res.Hosts)-1])
		}
		return true
	})

	res.Stats.RunEnded()

	s.logger.Info("Calling ending callbacks")
	for _, f := range s.endHandlers {
		f(res)
	}

	return res, err
}

// scanHost sends the probe batch of one host and collects its open ports.
func (s *Sweeper) scanHost(ctx context.Context, addr netip.Addr, version IPVersion,
	settings *ScanSettings, stats Statistics) (*HostResult, error) {

	target := net.IP(addr.AsSlice())

	probes := make([]*ProbeSpec, 0, settings.Ports.Len())
	byPort := make(map[uint16]*ProbeSpec, settings.Ports.Len())
	for port := settings.Ports.Start; port <= settings.Ports.End; port++ {
		p, err := BuildProbe(target, version, settings.Protocol, DstPort(uint16(port)), s.ident)
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
		byPort[p.DstPort] = p
	}

	match := func(r *Reply) bool {
		port := r.SrcPort
		if r.Quote != nil {
			port = r.Quote.DstPort
		}
		p, ok := byPort[port]
		return ok && p.Matches(r)
	}

	s.logger.Infof("Scanning ports %s of %s", settings.Ports, addr)

	sent := time.Now()
	stats.ProbesSent(len(probes))
	replies, err := s.transport.SendAndCollect(ctx, probes, match, settings.Timeout)
	if err != nil {
		s.logger.Errorf("Could not scan %s: %s", addr, err)
		return nil, err
	}

	open := make(map[uint16]struct{})
	answered := make(map[uint16]struct{})
	for _, r := range replies {
		p := byPort[r.SrcPort]
		if r.Quote != nil {
			p = byPort[r.Quote.DstPort]
		}

		out := Classify(p, r)
		s.logger.Debugf("Port %d of %s classified as %s", p.DstPort, addr, out.Kind)

		if _, ok := answered[p.DstPort]; !ok {
			answered[p.DstPort] = struct{}{}
			stats.ProbeAnswered(uint64(max(r.Received.Sub(sent), 0).Nanoseconds()))
		}
		if out.Kind == PortOpen {
			open[out.Port] = struct{}{}
		}
	}
	stats.ProbesLost(len(probes) - len(answered))

	host := &HostResult{Addr: addr, Open: make([]uint16, 0, len(open))}
	for port := range open {
		host.Open = append(host.Open, port)
	}
	sort.Slice(host.Open, func(i, j int) bool { return host.Open[i] < host.Open[j] })

	return host, nil
}
