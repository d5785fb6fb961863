// Package protocol decodes the captured leading bytes of dropped packets.
package protocol

import (
	"fmt"
	"net/netip"

	"github.com/annp1987/bpf-progs/internal/model"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Parse uses gopacket to decode a captured packet prefix into a FlowKey.
// The capture starts at the Ethernet header. A single 802.1Q tag is
// unwrapped; LLDP and unknown EtherTypes stop at layer 2. An error means
// the capture was too short or malformed for the headers its own type
// promised, and the caller counts it as a parse failure.
func Parse(data []byte) (*model.FlowKey, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("no ethernet header in %d captured bytes", len(data))
	}
	eth := ethLayer.(*layers.Ethernet)

	key := &model.FlowKey{EtherType: uint16(eth.EthernetType)}
	copy(key.Dmac[:], eth.DstMAC)
	copy(key.Smac[:], eth.SrcMAC)

	if l := packet.Layer(layers.LayerTypeDot1Q); l != nil {
		vlan := l.(*layers.Dot1Q)
		key.VlanID = vlan.VLANIdentifier
		key.EtherType = uint16(vlan.Type)
	}

	switch key.EtherType {
	case model.EtherTypeLLDP:
		return key, nil

	case model.EtherTypeARP:
		l := packet.Layer(layers.LayerTypeARP)
		if l == nil {
			return nil, fmt.Errorf("truncated arp packet (%d captured bytes)", len(data))
		}
		arp := l.(*layers.ARP)
		key.ARPOp = arp.Operation
		if addr, ok := netip.AddrFromSlice(arp.SourceProtAddress); ok {
			key.SrcIP = addr
		}
		if addr, ok := netip.AddrFromSlice(arp.DstProtAddress); ok {
			key.DstIP = addr
		}
		return key, nil

	case model.EtherTypeIPv4:
		l := packet.Layer(layers.LayerTypeIPv4)
		if l == nil {
			return nil, fmt.Errorf("truncated ipv4 header (%d captured bytes)", len(data))
		}
		ip := l.(*layers.IPv4)
		key.Proto = uint8(ip.Protocol)
		key.SrcIP, _ = netip.AddrFromSlice(ip.SrcIP)
		key.DstIP, _ = netip.AddrFromSlice(ip.DstIP)

	case model.EtherTypeIPv6:
		l := packet.Layer(layers.LayerTypeIPv6)
		if l == nil {
			return nil, fmt.Errorf("truncated ipv6 header (%d captured bytes)", len(data))
		}
		ip := l.(*layers.IPv6)
		key.Proto = uint8(ip.NextHeader)
		key.SrcIP, _ = netip.AddrFromSlice(ip.SrcIP)
		key.DstIP, _ = netip.AddrFromSlice(ip.DstIP)

	default:
		// Unknown EtherType still classifies, as "other".
		return key, nil
	}

	// The decoder walks IPv6 extension headers for us, so probe for the
	// transport layers before trusting the header protocol number.
	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		key.Proto = model.ProtoTCP
		key.SrcPort = uint16(tcp.SrcPort)
		key.DstPort = uint16(tcp.DstPort)
		key.Fin = tcp.FIN
		key.Syn = tcp.SYN
		key.Rst = tcp.RST
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		key.Proto = model.ProtoUDP
		key.SrcPort = uint16(udp.SrcPort)
		key.DstPort = uint16(udp.DstPort)
	} else if key.Proto == model.ProtoTCP || key.Proto == model.ProtoUDP {
		return nil, fmt.Errorf("truncated transport header (%d captured bytes)", len(data))
	}

	return key, nil
}
