// Package lbtest builds Ethernet/IPv4/TCP frames for dataplane tests and
// checks the checksums of rewritten frames.
package lbtest

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	ClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	LBMAC     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Frame describes a TCP segment to build.
type Frame struct {
	Src     string
	Dst     string
	SrcPort uint16
	DstPort uint16
	Payload []byte
	// IPOptions pads the IPv4 header with NOP options, four per word.
	IPOptions int
}

// TCP builds a checksummed Ethernet/IPv4/TCP frame with a small payload.
func TCP(t testing.TB, src, dst string, sport, dport uint16) []byte {
	return Build(t, Frame{Src: src, Dst: dst, SrcPort: sport, DstPort: dport, Payload: []byte("hello")})
}

// Build serialises f with correct lengths and checksums.
func Build(t testing.TB, f Frame) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       ClientMAC,
		DstMAC:       LBMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       0x1234,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    ipOf(t, f.Src),
		DstIP:    ipOf(t, f.Dst),
	}
	for i := 0; i < f.IPOptions*4; i++ {
		ip.Options = append(ip.Options, layers.IPv4Option{OptionType: 1, OptionLength: 1})
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     1000,
		Ack:     2000,
		ACK:     true,
		PSH:     len(f.Payload) > 0,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
		eth,
		ip,
		tcp,
		gopacket.Payload(f.Payload),
	)
	require.NoError(t, err)

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// Recompute decodes frame and serialises it again with freshly computed
// checksums, returning the IPv4 and TCP checksums gopacket arrives at.
// Only valid for frames without IPv4 options.
func Recompute(t testing.TB, frame []byte) (ipSum, tcpSum uint16) {
	t.Helper()

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok, "no IPv4 layer")
	tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok, "no TCP layer")
	require.Empty(t, ipLayer.Options, "Recompute does not support IPv4 options")
	require.NoError(t, tcpLayer.SetNetworkLayerForChecksum(ipLayer))

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{ComputeChecksums: true},
		ipLayer,
		tcpLayer,
		gopacket.Payload(tcpLayer.Payload),
	)
	require.NoError(t, err)
	return ipLayer.Checksum, tcpLayer.Checksum
}

// RequireValidChecksums fails the test unless both the IPv4 header checksum
// and the TCP checksum (pseudo-header included) of frame verify.
func RequireValidChecksums(t testing.TB, frame []byte) {
	t.Helper()

	require.GreaterOrEqual(t, len(frame), header.EthernetMinimumSize+header.IPv4MinimumSize)
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	require.True(t, ip.IsChecksumValid(), "IPv4 header checksum")

	total := int(ip.TotalLength())
	require.LessOrEqual(t, total, len(ip))
	tcp := header.TCP(ip[ip.HeaderLength():total])
	require.GreaterOrEqual(t, len(tcp), header.TCPMinimumSize)
	payload := tcp[tcp.DataOffset():]

	valid := tcp.IsChecksumValid(ip.SourceAddress(), ip.DestinationAddress(),
		checksum.Checksum(payload, 0), uint16(len(payload)))
	require.True(t, valid, "TCP checksum")
}

func ipOf(t testing.TB, s string) net.IP {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	require.True(t, addr.Is4(), "%s is not IPv4", s)
	return net.IP(addr.AsSlice())
}
