package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mikaelmello/pathprobe/core"
	"gopkg.in/yaml.v3"
)

const (
	textFormat = "text"
	yamlFormat = "yaml"
	jsonFormat = "json"
)

var separator = strings.Repeat("-", 100)

// printer renders runs, line by line as they progress in text format or as one document at their end
type printer struct {
	out    io.Writer
	format string
}

func newPrinter(out io.Writer, format string) (*printer, error) {
	switch format {
	case textFormat, yamlFormat, jsonFormat:
		return &printer{out: out, format: format}, nil
	}
	return nil, fmt.Errorf("invalid output format %q, expected one of text, yaml, json", format)
}

// registerTrace registers the callbacks of p to be called by the tracer
func (p *printer) registerTrace(t *core.Tracer) {
	if p.format != textFormat {
		t.AddEndHandler(func(res *core.TraceResult) { p.document(res) })
		return
	}

	t.AddStartHandler(p.printOnTraceStart)
	t.AddHopHandler(p.printOnHop)
	t.AddEndHandler(p.printOnTraceEnd)
}

// registerScan registers the callbacks of p to be called by the sweeper
func (p *printer) registerScan(s *core.Sweeper) {
	if p.format != textFormat {
		s.AddEndHandler(func(res *core.ScanResult) { p.document(res) })
		return
	}

	s.AddHostHandler(p.printOnHost)
	s.AddEndHandler(p.printOnScanEnd)
}

func (p *printer) printOnTraceStart(res *core.TraceResult) {
	fmt.Fprintf(p.out, "TRACE %s (%s), %d hops max, %s probes\n", res.Name, res.Target, res.MaxHops, res.Protocol)
}

func (p *printer) printOnHop(res *core.TraceResult, hop *core.HopRecord) {
	if hop.Outcome.Kind == core.NoReply {
		fmt.Fprintf(p.out, "Hop %d\t* * *\n", hop.TTL)
		return
	}

	fmt.Fprintf(p.out, "Hop %d\t%s\t%s\n", hop.TTL, hop.Outcome.Responder, hop.RTT.Truncate(time.Microsecond))
}

func (p *printer) printOnTraceEnd(res *core.TraceResult) {
	fmt.Fprintln(p.out, separator)
	fmt.Fprintln(p.out, "Lost packets statistics:")
	for _, hop := range res.Hops {
		if hop.Lost > 0 {
			fmt.Fprintf(p.out, "Hop %d: %d packet(s) lost\n", hop.TTL, hop.Lost)
		}
	}

	p.printStats(res.Name, res.Stats)
}

func (p *printer) printOnHost(res *core.ScanResult, host *core.HostResult) {
	if len(host.Open) == 0 {
		fmt.Fprintf(p.out, "No open ports of %s in range(%d - %d)\n", host.Addr, res.Ports.Start, res.Ports.End)
	} else {
		ports := make([]string, 0, len(host.Open))
		for _, port := range host.Open {
			ports = append(ports, fmt.Sprint(port))
		}
		fmt.Fprintf(p.out, "Open ports found on %s: %s\n", host.Addr, strings.Join(ports, ", "))
	}
	fmt.Fprintln(p.out, separator)
}

func (p *printer) printOnScanEnd(res *core.ScanResult) {
	fmt.Fprintf(p.out, "%d host(s) scanned\n", len(res.Hosts))
	p.printStats(res.Subnet.String(), res.Stats)
}

func (p *printer) printStats(name string, stats core.Statistics) {
	st, _ := stats.GetStartTime()
	end, _ := stats.GetEndTime()
	totalTime := end.Sub(st).Truncate(time.Millisecond)
	rttMin := float64(stats.GetRTTMin()) / float64(time.Millisecond)
	rttMax := float64(stats.GetRTTMax()) / float64(time.Millisecond)
	rttAvg := float64(stats.GetRTTAvg()) / float64(time.Millisecond)
	rttMDev := float64(stats.GetRTTMDev()) / float64(time.Millisecond)

	fmt.Fprintf(p.out, "--- %s statistics ---\n", name)
	fmt.Fprintf(p.out, "%d probes transmitted, %d answered, %.0f%% packet loss, time %s\n",
		stats.GetTotalSent(), stats.GetTotalRecv(), stats.GetPktLoss()*100, totalTime)
	fmt.Fprintf(p.out, "rtt min/avg/max/mdev = %.3f/%.3f/%.3f/%.3f ms\n", rttMin, rttAvg, rttMax, rttMDev)
}

// document writes the whole result as a structured document
func (p *printer) document(v any) {
	var err error
	switch p.format {
	case yamlFormat:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err = enc.Encode(v); err == nil {
			err = enc.Close()
		}
	case jsonFormat:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		err = enc.Encode(v)
	}

	if err != nil {
		fmt.Fprintf(p.out, "could not render result: %s\n", err)
	}
}
