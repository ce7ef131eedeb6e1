package core

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxTTL = 255

// TraceSettings contains all configurable properties of a path trace. A value is never modified by a run.
type TraceSettings struct {
	// Target is the destination host name or address.
	Target string

	// Version is the IP version used to resolve the target and build probes.
	Version IPVersion

	// Protocol is the transport protocol of the probes.
	Protocol Protocol

	// MaxHops is the largest TTL probed before giving up.
	MaxHops int

	// Timeout is the time to wait for the reply to each probe.
	Timeout time.Duration

	// LoggingLevel is the logrus level of the engine logs.
	LoggingLevel uint32
}

// DefaultTraceSettings returns the default settings for a trace, change as you wish.
func DefaultTraceSettings() *TraceSettings {
	return &TraceSettings{
		Version:      IPv4,
		Protocol:     TCP,
		MaxHops:      28,
		Timeout:      2 * time.Second,
		LoggingLevel: uint32(log.WarnLevel),
	}
}

func (s *TraceSettings) validate() error {
	if s.Target == "" {
		return fmt.Errorf("missing destination")
	}
	if s.Version != IPv4 && s.Version != IPv6 {
		return fmt.Errorf("invalid IP version %d, expected 4 or 6", int(s.Version))
	}
	if s.Protocol != TCP && s.Protocol != UDP && s.Protocol != ICMP {
		return fmt.Errorf("%w: %s", ErrInvalidProtocol, s.Protocol)
	}
	if s.MaxHops < 1 || s.MaxHops > maxTTL {
		return fmt.Errorf("max hops %d out of range, expected 1 to %d", s.MaxHops, maxTTL)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

// ScanSettings contains all configurable properties of a port sweep. A value is never modified by a run.
type ScanSettings struct {
	// Subnet is the CIDR, or single address, whose usable hosts are scanned.
	Subnet string

	// Ports is the inclusive range of destination ports probed on every host.
	Ports PortRange

	// Protocol is the transport protocol of the probes, only TCP is supported.
	Protocol Protocol

	// Timeout is the reply window opened after the probes of a host have been sent.
	Timeout time.Duration

	// LoggingLevel is the logrus level of the engine logs.
	LoggingLevel uint32
}

// DefaultScanSettings returns the default settings for a port sweep, change as you wish.
func DefaultScanSettings() *ScanSettings {
	return &ScanSettings{
		Ports:        PortRange{Start: 1, End: 1024},
		Protocol:     TCP,
		Timeout:      2 * time.Second,
		LoggingLevel: uint32(log.WarnLevel),
	}
}

func (s *ScanSettings) validate() error {
	if s.Protocol != TCP {
		return fmt.Errorf("%w: port sweeps only support TCP, got %s", ErrInvalidProtocol, s.Protocol)
	}
	if err := s.Ports.validate(); err != nil {
		return err
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

// Version returns the IP version of the subnet, needed to open a transport before the sweep.
func (s *ScanSettings) Version() (IPVersion, error) {
	prefix, err := parseSubnet(s.Subnet)
	if err != nil {
		return IPv4, err
	}
	return versionOf(prefix), nil
}
