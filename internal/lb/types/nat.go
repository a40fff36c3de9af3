package types

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// ConnKey identifies a flow by the 5-tuple of a packet as it was seen on the wire.
type ConnKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   layers.IPProtocol
}

// Reverse returns the key the same flow carries in the opposite direction.
func (k ConnKey) Reverse() ConnKey {
	return ConnKey{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
	}
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%v:%d -> %v:%d/%v", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.Proto)
}

// ConnRecord is what the conntrack table remembers about a flow: the source
// address of the packet that created the entry, before any rewrite.
type ConnRecord struct {
	OrigSrcIP netip.Addr
}
