package core

import "errors"

var (
	// ErrInvalidProtocol is returned when a probe is requested for a transport protocol that the
	// operation does not support.
	ErrInvalidProtocol = errors.New("invalid protocol")

	// ErrInvalidSubnet is returned when a scan target is not a valid address or CIDR.
	ErrInvalidSubnet = errors.New("invalid subnet")

	// ErrInvalidPortRange is returned when a port range is malformed, inverted or out of bounds.
	ErrInvalidPortRange = errors.New("invalid port range")

	// ErrTransportUnavailable is returned when the raw transport cannot be opened or fails while probing.
	// No probing can proceed once it is returned.
	ErrTransportUnavailable = errors.New("transport unavailable")
)
