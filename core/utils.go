package core

import (
	"encoding/binary"
	"net"
	"time"
)

func isIPv4(ip net.IP) bool {
	return ip.To4() != nil
}

func isIPv6(ip net.IP) bool {
	return len(ip) == net.IPv6len && !isIPv4(ip)
}

func bytesToUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

func bytesToUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// clearTimer stops the timer and drains its channel if it already fired.
func clearTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
