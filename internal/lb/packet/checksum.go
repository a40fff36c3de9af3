package packet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// SetSrcIP rewrites the IPv4 source address and adjusts the IP and TCP checksums.
func (p Packet) SetSrcIP(addr netip.Addr) {
	old := p.ip.SourceAddress()
	updated := tcpip.AddrFrom4(addr.As4())
	if old == updated {
		return
	}
	p.ip.SetSourceAddressWithChecksumUpdate(updated)
	// TCP covers both addresses through its pseudo-header.
	p.tcp.UpdateChecksumPseudoHeaderAddress(old, updated, true)
}

// SetDstIP rewrites the IPv4 destination address and adjusts the IP and TCP checksums.
func (p Packet) SetDstIP(addr netip.Addr) {
	old := p.ip.DestinationAddress()
	updated := tcpip.AddrFrom4(addr.As4())
	if old == updated {
		return
	}
	p.ip.SetDestinationAddressWithChecksumUpdate(updated)
	p.tcp.UpdateChecksumPseudoHeaderAddress(old, updated, true)
}
