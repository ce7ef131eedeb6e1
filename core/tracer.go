package core

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// HopRecord is the outcome of the probe sent with one TTL.
type HopRecord struct {
	TTL     int           `json:"ttl" yaml:"ttl"`
	Outcome ReplyOutcome  `json:"outcome" yaml:"outcome"`
	Lost    int           `json:"lost" yaml:"lost"`
	RTT     time.Duration `json:"rtt" yaml:"rtt"`
}

// TraceResult is the outcome of a path trace. It is read-only once Run returns.
type TraceResult struct {
	// Target is the resolved address of the destination.
	Target net.IP `json:"target" yaml:"target"`

	// Name is the destination as requested.
	Name string `json:"name" yaml:"name"`

	Protocol Protocol  `json:"protocol" yaml:"protocol"`
	Version  IPVersion `json:"ip_version" yaml:"ip_version"`
	MaxHops  int       `json:"max_hops" yaml:"max_hops"`

	// Hops holds one record per probed TTL, Hops[i].TTL == i+1.
	Hops []HopRecord `json:"hops" yaml:"hops"`

	// Lost holds the number of unanswered probes per TTL, Lost[i] counts TTL i+1.
	Lost []int `json:"lost" yaml:"lost"`

	// Reached tells whether the trace ended on the destination rather than on max hops.
	Reached bool `json:"reached" yaml:"reached"`

	// Stats contain the overall statistics of the trace
	Stats Statistics `json:"-" yaml:"-"`
}

// LostAt returns the number of unanswered probes at ttl.
func (r *TraceResult) LostAt(ttl int) int {
	if ttl < 1 || ttl > len(r.Lost) {
		return 0
	}
	return r.Lost[ttl-1]
}

// Tracer drives trace probes across increasing TTLs.
type Tracer struct {
	transport Transport

	// ident is the source port or echo identifier shared by the probes of this tracer.
	ident uint16

	// logger is an instance of logrus used to log activities related to this tracer
	logger *log.Logger

	// stHandlers are the callback functions called when a trace starts.
	stHandlers []func(*TraceResult)

	// hopHandlers are the callback functions called when the probe of a TTL completes.
	hopHandlers []func(*TraceResult, *HopRecord)

	// endHandlers are the callback functions called when a trace ends.
	endHandlers []func(*TraceResult)
}

// NewTracer creates a tracer sending its probes through transport.
func NewTracer(transport Transport, logger *log.Logger) *Tracer {
	r := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))

	return &Tracer{
		transport: transport,
		ident:     uint16(EphemeralPortStart + r.Intn(EphemeralPortEnd-EphemeralPortStart)),
		logger:    logger,
	}
}

// AddStartHandler adds a handler function that will be called when a trace starts
func (t *Tracer) AddStartHandler(handler func(*TraceResult)) {
	t.stHandlers = append(t.stHandlers, handler)
}

// AddHopHandler adds a handler function that will be called after the probe of a TTL is answered or expires
func (t *Tracer) AddHopHandler(handler func(*TraceResult, *HopRecord)) {
	t.hopHandlers = append(t.hopHandlers, handler)
}

// AddEndHandler adds a handler function that will be called when a trace ends
func (t *Tracer) AddEndHandler(handler func(*TraceResult)) {
	t.endHandlers = append(t.endHandlers, handler)
}

// Run traces the path to the target of settings, one probe per TTL starting at 1. The trace ends when
// the destination answers or when max hops have been probed. Unanswered probes are recorded as loss,
// they are never retried.
//
// Run fails before sending anything on invalid settings, and stops with an error wrapping
// ErrTransportUnavailable if the transport fails. Cancelling ctx stops the trace at the next TTL, the
// partial result is returned along with the context error.
func (t *Tracer) Run(ctx context.Context, settings *TraceSettings) (*TraceResult, error) {
	t.logger.Debug("Validating settings")

	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	t.logger.Infof("Resolving address %s", settings.Target)

	ipaddr, err := net.ResolveIPAddr(settings.Version.network(), settings.Target)
	if err != nil {
		return nil, fmt.Errorf("error while resolving address %s: %w", settings.Target, err)
	}

	t.logger.Infof("Address %s resolved to IP Address %s", settings.Target, ipaddr.String())

	// building the first probe surfaces protocol errors before anything is sent
	probe, err := BuildProbe(ipaddr.IP, settings.Version, settings.Protocol, HopLimit(1), t.ident)
	if err != nil {
		return nil, err
	}

	res := &TraceResult{
		Target:   ipaddr.IP,
		Name:     settings.Target,
		Protocol: settings.Protocol,
		Version:  settings.Version,
		MaxHops:  settings.MaxHops,
		Hops:     make([]HopRecord, 0, settings.MaxHops),
		Lost:     make([]int, settings.MaxHops),
		Stats:    NewStatistics(),
	}

	res.Stats.RunStarted()
	t.logger.Info("Calling start callbacks")
	for _, f := range t.stHandlers {
		f(res)
	}

	err = t.probeHops(ctx, settings, probe, res)

	res.Lost = res.Lost[:len(res.Hops)]
	res.Stats.RunEnded()

	t.logger.Info("Calling ending callbacks")
	for _, f := range t.endHandlers {
		f(res)
	}

	return res, err
}

// probeHops runs the TTL loop, starting with the already built probe of TTL 1.
func (t *Tracer) probeHops(ctx context.Context, settings *TraceSettings, probe *ProbeSpec, res *TraceResult) error {
	for ttl := 1; ttl <= settings.MaxHops; ttl++ {
		if err := ctx.Err(); err != nil {
			t.logger.Infof("Trace cancelled before probing ttl %d", ttl)
			return err
		}

		if ttl > 1 {
			var err error
			probe, err = BuildProbe(res.Target, settings.Version, settings.Protocol, HopLimit(ttl), t.ident)
			if err != nil {
				return err
			}
		}

		t.logger.Infof("Probing %s with ttl %d", res.Target, ttl)

		sent := time.Now()
		res.Stats.ProbesSent(1)
		reply, err := t.transport.SendAndAwait(ctx, probe, probe.Matches, settings.Timeout)
		if err != nil {
			t.logger.Errorf("Could not probe ttl %d: %s", ttl, err)
			return err
		}

		hop := HopRecord{TTL: ttl, Outcome: Classify(probe, reply)}
		if reply == nil {
			res.Lost[ttl-1]++
			res.Stats.ProbesLost(1)
		} else {
			hop.RTT = reply.Received.Sub(sent)
			if hop.RTT < 0 {
				hop.RTT = 0
			}
			res.Stats.ProbeAnswered(uint64(hop.RTT.Nanoseconds()))
		}
		hop.Lost = res.Lost[ttl-1]

		t.logger.Debugf("Hop %d classified as %s", ttl, hop.Outcome.Kind)

		res.Hops = append(res.Hops, hop)
		for _, f := range t.hopHandlers {
			f(res, &res.Hops[len(res.Hops)-1])
		}

		if hop.Outcome.IsTerminal() {
			t.logger.Infof("Destination reached at ttl %d", ttl)
			res.Reached = true
			return nil
		}
	}

	t.logger.Infof("Max hops %d exhausted", settings.MaxHops)
	return nil
}
