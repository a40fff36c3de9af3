package network

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/mostlygeek/arp"
)

var ErrNeighborNotFound = errors.New("neighbor not in ARP cache")

// Interface describes a local NIC used as a hook point.
type Interface struct {
	Name  string
	Index int
	IP    netip.Addr
	MAC   net.HardwareAddr
}

// LookupInterface returns the named interface with its first IPv4 address.
// IP is the zero Addr when the interface has no IPv4 address.
func LookupInterface(name string) (Interface, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return Interface{}, fmt.Errorf("failed to find interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return Interface{}, fmt.Errorf("failed to get addresses of %q: %w", name, err)
	}

	info := Interface{
		Name:  iface.Name,
		Index: iface.Index,
		MAC:   iface.HardwareAddr,
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			info.IP = netip.AddrFrom4([4]byte(ip4))
			break
		}
	}
	return info, nil
}

// ResolveNeighbor looks ip up in the kernel ARP cache. It does not send ARP
// requests; the neighbour must have been seen already.
func ResolveNeighbor(ip netip.Addr) (net.HardwareAddr, error) {
	return resolveWith(arp.Search, ip)
}

func resolveWith(search func(string) string, ip netip.Addr) (net.HardwareAddr, error) {
	found := search(ip.String())
	if found == "" || found == "00:00:00:00:00:00" {
		return nil, fmt.Errorf("%w: %v", ErrNeighborNotFound, ip)
	}
	mac, err := net.ParseMAC(found)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MAC %q for %v: %w", found, ip, err)
	}
	return mac, nil
}
