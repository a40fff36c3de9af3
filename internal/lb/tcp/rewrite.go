package tcp

import (
	"net/netip"

	"github.com/cheahjs/lbnat/internal/lb/packet"
	"github.com/cheahjs/lbnat/internal/lb/types"
)

// dnat points pkt at the backend and makes it appear to come from the virtual
// IP. Ports are kept. It returns the tuple of the rewritten packet.
func (t *Translator) dnat(pkt packet.Packet) types.ConnKey {
	pkt.SetDstIP(t.service.BackendIP)
	pkt.SetSrcIP(t.service.VirtualIP)
	return pkt.Key()
}

// snat replaces the source address of a reply.
func (t *Translator) snat(pkt packet.Packet, src netip.Addr) {
	pkt.SetSrcIP(src)
}
