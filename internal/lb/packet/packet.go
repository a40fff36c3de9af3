// Package packet locates the Ethernet, IPv4 and TCP headers of a raw frame and
// rewrites IPv4 addresses in place, keeping both checksums valid.
package packet

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/cheahjs/lbnat/internal/lb/types"
)

const (
	EthernetHeaderLen = header.EthernetMinimumSize
	IPv4MinHeaderLen  = header.IPv4MinimumSize
	TCPMinHeaderLen   = header.TCPMinimumSize

	// MinFrameLen is the shortest frame Parse can accept.
	MinFrameLen = EthernetHeaderLen + IPv4MinHeaderLen + TCPMinHeaderLen
)

var (
	// ErrMalformed means the frame ended before a header that had to be read.
	ErrMalformed = errors.New("packet: truncated header")
	// ErrUnsupported means the frame is well formed but not IPv4/TCP.
	ErrUnsupported = errors.New("packet: unsupported protocol")
)

// Packet is a view over a parsed frame. Setters write through to the
// underlying buffer.
type Packet struct {
	ip  header.IPv4
	tcp header.TCP
}

// Parse locates the Ethernet, IPv4 and TCP headers of frame. It never reads
// past len(frame) and never modifies it. The input checksums are not verified.
func Parse(frame []byte) (Packet, error) {
	if len(frame) < EthernetHeaderLen {
		return Packet{}, ErrMalformed
	}
	if header.Ethernet(frame).Type() != header.IPv4ProtocolNumber {
		return Packet{}, ErrUnsupported
	}

	ip := header.IPv4(frame[EthernetHeaderLen:])
	if len(ip) < IPv4MinHeaderLen {
		return Packet{}, ErrMalformed
	}
	if header.IPVersion(ip) != header.IPv4Version {
		return Packet{}, ErrUnsupported
	}
	ihl := int(ip.HeaderLength())
	if ihl < IPv4MinHeaderLen || len(ip) < ihl {
		return Packet{}, ErrMalformed
	}
	if ip.TransportProtocol() != header.TCPProtocolNumber {
		return Packet{}, ErrUnsupported
	}
	// Non-initial fragments carry payload where the TCP header would be.
	if ip.FragmentOffset() != 0 {
		return Packet{}, ErrUnsupported
	}

	tcp := header.TCP(ip[ihl:])
	if len(tcp) < TCPMinHeaderLen {
		return Packet{}, ErrMalformed
	}

	return Packet{
		ip:  ip[:ihl:ihl],
		tcp: tcp[:TCPMinHeaderLen:TCPMinHeaderLen],
	}, nil
}

func (p Packet) SrcIP() netip.Addr {
	return netip.AddrFrom4(p.ip.SourceAddress().As4())
}

func (p Packet) DstIP() netip.Addr {
	return netip.AddrFrom4(p.ip.DestinationAddress().As4())
}

func (p Packet) SrcPort() uint16 {
	return p.tcp.SourcePort()
}

func (p Packet) DstPort() uint16 {
	return p.tcp.DestinationPort()
}

func (p Packet) IPChecksum() uint16 {
	return p.ip.Checksum()
}

func (p Packet) TCPChecksum() uint16 {
	return p.tcp.Checksum()
}

// HeaderLen is the IPv4 header length including options.
func (p Packet) HeaderLen() int {
	return len(p.ip)
}

// Key returns the flow tuple of the packet in its current state.
func (p Packet) Key() types.ConnKey {
	return types.ConnKey{
		SrcIP:   p.SrcIP(),
		DstIP:   p.DstIP(),
		SrcPort: p.SrcPort(),
		DstPort: p.DstPort(),
		Proto:   layers.IPProtocolTCP,
	}
}
