package core

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	icmpProtocol   = 1
	tcpProtocol    = 6
	udpProtocol    = 17
	icmpv6Protocol = 58

	tcpWindow = 65535

	udpHeaderLen = 8

	// quotedTransportLen is the number of transport header bytes an ICMP error is guaranteed to quote.
	quotedTransportLen = 8
)

// MarshalProbe serializes the probe to wire bytes: the IP header followed by the transport header.
// src is the local address the probe leaves from, needed for the transport checksum.
func MarshalProbe(p *ProbeSpec, src net.IP) ([]byte, error) {
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer

	if p.Version == IPv4 {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      uint8(p.TTL),
			Flags:    layers.IPv4DontFragment,
			Protocol: ipProtocolOf(p),
			SrcIP:    src.To4(),
			DstIP:    p.Target.To4(),
		}
		if ip.SrcIP == nil || ip.DstIP == nil {
			return nil, fmt.Errorf("addresses %s -> %s are not IPv4", src, p.Target)
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   uint8(p.TTL),
			NextHeader: ipProtocolOf(p),
			SrcIP:      src.To16(),
			DstIP:      p.Target.To16(),
		}
		if ip.SrcIP == nil || ip.DstIP == nil {
			return nil, fmt.Errorf("addresses %s -> %s are not IPv6", src, p.Target)
		}
		network, ipLayer = ip, ip
	}

	ls := []gopacket.SerializableLayer{ipLayer}

	switch p.Protocol {
	case TCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.SrcPort),
			DstPort: layers.TCPPort(p.DstPort),
			Seq:     p.Seq,
			Window:  tcpWindow,
			SYN:     true,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		ls = append(ls, tcp)
	case UDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(p.SrcPort),
			DstPort: layers.UDPPort(p.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		ls = append(ls, udp, gopacket.Payload(make([]byte, p.PayloadLen)))
	case ICMP:
		if p.Version == IPv4 {
			ls = append(ls, &layers.ICMPv4{
				TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
				Id:       p.ID,
				Seq:      uint16(p.Seq),
			})
		} else {
			icmp6 := &layers.ICMPv6{
				TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
			}
			if err := icmp6.SetNetworkLayerForChecksum(network); err != nil {
				return nil, err
			}
			ls = append(ls, icmp6, &layers.ICMPv6Echo{
				Identifier: p.ID,
				SeqNumber:  uint16(p.Seq),
			})
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProtocol, p.Protocol)
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, ls...); err != nil {
		return nil, fmt.Errorf("could not serialize probe: %w", err)
	}

	return buffer.Bytes(), nil
}

func ipProtocolOf(p *ProbeSpec) layers.IPProtocol {
	switch p.Protocol {
	case TCP:
		return layers.IPProtocolTCP
	case UDP:
		return layers.IPProtocolUDP
	}
	if p.Version == IPv6 {
		return layers.IPProtocolICMPv6
	}
	return layers.IPProtocolICMPv4
}

// protocolOf maps an IP protocol number to a probe protocol.
func protocolOf(num int) (Protocol, bool) {
	switch num {
	case tcpProtocol:
		return TCP, true
	case udpProtocol:
		return UDP, true
	case icmpProtocol, icmpv6Protocol:
		return ICMP, true
	}
	return TCP, false
}

// icmpProtocolNumber returns the ICMP protocol number of the IP version.
func icmpProtocolNumber(v IPVersion) int {
	if v == IPv6 {
		return icmpv6Protocol
	}
	return icmpProtocol
}

// parseReply parses the payload of a packet read from a socket of protocol proto.
// A nil reply with a nil error means the packet can never answer a probe.
func parseReply(v IPVersion, proto Protocol, src net.IP, payload []byte) (*Reply, error) {
	switch proto {
	case ICMP:
		return parseICMPReply(v, src, payload)
	case TCP:
		return parseTCPReply(v, src, payload)
	}
	return nil, nil
}

func parseICMPReply(v IPVersion, src net.IP, payload []byte) (*Reply, error) {
	m, err := icmp.ParseMessage(icmpProtocolNumber(v), payload)
	if err != nil {
		return nil, fmt.Errorf("error parsing ICMP message: %w", err)
	}

	r := &Reply{
		Src:      src,
		Version:  v,
		Protocol: ICMP,
		ICMPType: icmpTypeValue(m.Type),
		ICMPCode: m.Code,
	}

	var quoted []byte
	switch body := m.Body.(type) {
	case *icmp.TimeExceeded:
		quoted = body.Data
	case *icmp.DstUnreach:
		quoted = body.Data
	case *icmp.ParamProb:
		quoted = body.Data
	case *icmp.PacketTooBig:
		quoted = body.Data
	case *icmp.Echo:
		if m.Type != ipv4.ICMPTypeEchoReply && m.Type != ipv6.ICMPTypeEchoReply {
			// our own echo requests show up on loopback
			return nil, nil
		}
		r.ID = uint16(body.ID)
		r.Seq = uint32(body.Seq)
		return r, nil
	default:
		return nil, nil
	}

	q, err := parseQuote(v, quoted)
	if err != nil {
		return nil, err
	}
	r.Quote = q

	return r, nil
}

func icmpTypeValue(t icmp.Type) int {
	switch tp := t.(type) {
	case ipv4.ICMPType:
		return int(tp)
	case ipv6.ICMPType:
		return int(tp)
	}
	return -1
}

// parseQuote parses the original datagram quoted by an ICMP error message.
func parseQuote(v IPVersion, data []byte) (*Quote, error) {
	var dst net.IP
	var protoNum int
	var transport []byte

	if v == IPv4 {
		h, err := ipv4.ParseHeader(data)
		if err != nil {
			return nil, fmt.Errorf("error parsing quoted IPv4 header: %w", err)
		}
		dst, protoNum, transport = h.Dst, h.Protocol, data[h.Len:]
	} else {
		h, err := ipv6.ParseHeader(data)
		if err != nil {
			return nil, fmt.Errorf("error parsing quoted IPv6 header: %w", err)
		}
		dst, protoNum, transport = h.Dst, h.NextHeader, data[ipv6.HeaderLen:]
	}

	proto, ok := protocolOf(protoNum)
	if !ok {
		return nil, fmt.Errorf("quoted datagram carries unsupported protocol %d", protoNum)
	}

	if len(transport) < quotedTransportLen {
		return nil, fmt.Errorf("quoted transport header too short, %d bytes received of min %d",
			len(transport), quotedTransportLen)
	}

	q := &Quote{Dst: dst, Protocol: proto}
	switch proto {
	case TCP:
		q.SrcPort = bytesToUint16(transport[0:2])
		q.DstPort = bytesToUint16(transport[2:4])
		q.Seq = bytesToUint32(transport[4:8])
	case UDP:
		q.SrcPort = bytesToUint16(transport[0:2])
		q.DstPort = bytesToUint16(transport[2:4])
		q.Length = bytesToUint16(transport[4:6])
	case ICMP:
		q.ID = bytesToUint16(transport[4:6])
		q.Seq = uint32(bytesToUint16(transport[6:8]))
	}

	return q, nil
}

func parseTCPReply(v IPVersion, src net.IP, payload []byte) (*Reply, error) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("error parsing TCP segment: %w", err)
	}

	return &Reply{
		Src:      src,
		Version:  v,
		Protocol: TCP,
		TCPFlags: TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, RST: tcp.RST},
		SrcPort:  uint16(tcp.SrcPort),
		DstPort:  uint16(tcp.DstPort),
		Ack:      tcp.Ack,
	}, nil
}
