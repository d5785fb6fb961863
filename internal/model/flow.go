package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// EtherType values the classifier cares about.
const (
	EtherTypeLLDP uint16 = 0x88cc
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86dd
)

// IP protocol numbers used for classification.
const (
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
	ProtoVRRP uint8 = 112
)

// ARP operations.
const (
	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

// FlowKey is the parsed identity of one dropped packet. All fields are
// comparable so the key can index a flow table directly. Which fields are
// valid depends on EtherType: ARP fills ARPOp and the IPs, IPv4/IPv6 fill
// the IPs and transport fields, LLDP and unknown types fill only the MACs.
type FlowKey struct {
	Dmac      [6]byte
	Smac      [6]byte
	VlanID    uint16
	EtherType uint16
	ARPOp     uint16
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Proto     uint8
	SrcPort   uint16
	DstPort   uint16
	Fin       bool
	Syn       bool
	Rst       bool
}

// MACString formats a MAC address the way the display expects.
func MACString(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// String renders the flow for per-flow display rows and live dumps.
func (k *FlowKey) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s > %s", MACString(k.Smac), MACString(k.Dmac))
	if k.VlanID != 0 {
		fmt.Fprintf(&b, " vlan %d", k.VlanID)
	}

	switch k.EtherType {
	case EtherTypeLLDP:
		b.WriteString(" LLDP")
	case EtherTypeARP:
		switch k.ARPOp {
		case ARPOpRequest:
			fmt.Fprintf(&b, " ARP request %s > %s", k.SrcIP, k.DstIP)
		case ARPOpReply:
			fmt.Fprintf(&b, " ARP reply %s > %s", k.SrcIP, k.DstIP)
		default:
			fmt.Fprintf(&b, " ARP op %d", k.ARPOp)
		}
	case EtherTypeIPv4, EtherTypeIPv6:
		switch k.Proto {
		case ProtoTCP:
			fmt.Fprintf(&b, " %s > %s TCP%s",
				netip.AddrPortFrom(k.SrcIP, k.SrcPort),
				netip.AddrPortFrom(k.DstIP, k.DstPort), k.tcpFlags())
		case ProtoUDP:
			fmt.Fprintf(&b, " %s > %s UDP",
				netip.AddrPortFrom(k.SrcIP, k.SrcPort),
				netip.AddrPortFrom(k.DstIP, k.DstPort))
		case ProtoVRRP:
			fmt.Fprintf(&b, " %s > %s VRRP", k.SrcIP, k.DstIP)
		default:
			fmt.Fprintf(&b, " %s > %s proto %d", k.SrcIP, k.DstIP, k.Proto)
		}
	default:
		fmt.Fprintf(&b, " ethertype %#04x", k.EtherType)
	}

	return b.String()
}

func (k *FlowKey) tcpFlags() string {
	var b strings.Builder
	if k.Syn {
		b.WriteString(" syn")
	}
	if k.Fin {
		b.WriteString(" fin")
	}
	if k.Rst {
		b.WriteString(" rst")
	}
	return b.String()
}
