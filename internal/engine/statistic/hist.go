// Package statistic holds the aggregation state for the drop monitor: the
// per-key bucket index, the call-site location index, bounded per-bucket
// flow tables and the protocol-class histogram. All types are single-owner;
// the engine goroutine is the only writer.
package statistic

import (
	"github.com/annp1987/bpf-progs/internal/model"
)

// ProtoClass is one column of the drop histogram.
type ProtoClass uint8

const (
	ClassLLDP ProtoClass = iota
	ClassARPReq
	ClassARPReply
	ClassARPOther
	ClassIPv4
	ClassIPv6
	ClassTCPSyn
	ClassTCPRst
	ClassTCPFin
	ClassTCP
	ClassUDP
	ClassVRRP
	ClassOther
	NumProtoClasses
)

var protoClassLabels = [NumProtoClasses]string{
	"lldp",
	"arp-req",
	"arp-rep",
	"arp-oth",
	"ipv4",
	"ipv6",
	"tcp-syn",
	"tcp-rst",
	"tcp-fin",
	"tcp",
	"udp",
	"vrrp",
	"other",
}

// Label returns the display column heading for the class.
func (c ProtoClass) Label() string {
	if c < NumProtoClasses {
		return protoClassLabels[c]
	}
	return "?"
}

// IPv4Relevant reports whether the class can be hit at all when a dimension
// admits only IPv4 packets. The display drops the other columns for the
// dip and sip dimensions.
func (c ProtoClass) IPv4Relevant() bool {
	switch c {
	case ClassIPv4, ClassTCPSyn, ClassTCPRst, ClassTCPFin, ClassTCP, ClassUDP, ClassVRRP:
		return true
	}
	return false
}

// Hist counts one cycle of drops per protocol class.
type Hist [NumProtoClasses]uint64

// Record classifies one parsed packet and bumps its class counters.
// Parent classes are inclusive: an IPv4 TCP SYN counts under ipv4, tcp and
// tcp-syn. A TCP segment counts under at most one flag column, FIN first,
// then RST, then SYN.
func (h *Hist) Record(k *model.FlowKey) {
	switch k.EtherType {
	case model.EtherTypeLLDP:
		h[ClassLLDP]++
	case model.EtherTypeARP:
		switch k.ARPOp {
		case model.ARPOpRequest:
			h[ClassARPReq]++
		case model.ARPOpReply:
			h[ClassARPReply]++
		default:
			h[ClassARPOther]++
		}
	case model.EtherTypeIPv4:
		h[ClassIPv4]++
		h.recordTransport(k)
	case model.EtherTypeIPv6:
		h[ClassIPv6]++
		h.recordTransport(k)
	default:
		h[ClassOther]++
	}
}

func (h *Hist) recordTransport(k *model.FlowKey) {
	switch k.Proto {
	case model.ProtoTCP:
		h[ClassTCP]++
		switch {
		case k.Fin:
			h[ClassTCPFin]++
		case k.Rst:
			h[ClassTCPRst]++
		case k.Syn:
			h[ClassTCPSyn]++
		}
	case model.ProtoUDP:
		h[ClassUDP]++
	case model.ProtoVRRP:
		h[ClassVRRP]++
	}
}

// Reset clears all class counters.
func (h *Hist) Reset() {
	*h = Hist{}
}
