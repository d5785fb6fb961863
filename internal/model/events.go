package model

import (
	"fmt"
	"time"
)

// EventKind discriminates the records delivered by the kernel side.
type EventKind uint8

const (
	// KindSample is a dropped-packet sample from the kfree_skb tracepoint.
	KindSample EventKind = 1
	// KindExit signals that a network namespace is being torn down.
	KindExit EventKind = 2
)

// DropEvent is one record read from the perf buffer. For KindSample all
// fields are populated and Data holds the leading bytes of the dropped
// packet; for KindExit only Time and Netns are meaningful.
type DropEvent struct {
	Kind     EventKind
	Time     uint64 // monotonic nanoseconds
	Ifindex  uint32
	PktType  uint8 // PACKET_* class from the skb
	Netns    uint64
	Location uint64 // kernel address of the call site
	Protocol uint16 // EtherType from skb->protocol
	VlanTCI  uint16
	PktLen   uint32
	GSOSize  uint32
	NrFrags  uint8
	Data     []byte
}

// packetTypeNames indexes the kernel's PACKET_* values (if_packet.h).
var packetTypeNames = [8]string{
	"this-host",
	"broadcast",
	"multicast",
	"other-host",
	"outgoing",
	"loopback",
	"to-user",
	"to-kernel",
}

// PacketTypeName returns a short name for a PACKET_* class.
func PacketTypeName(t uint8) string {
	return packetTypeNames[t&7]
}

// NumPacketTypes is the number of PACKET_* classes tracked per cycle.
const NumPacketTypes = 8

// Dimension selects how drop samples are bucketed.
type Dimension uint8

const (
	DimNone Dimension = iota // no aggregation, dump each sample
	DimNetns
	DimDmac
	DimSmac
	DimDip
	DimSip
	DimFlow
)

var dimensionNames = map[Dimension]string{
	DimNone:  "none",
	DimNetns: "netns",
	DimDmac:  "dmac",
	DimSmac:  "smac",
	DimDip:   "dip",
	DimSip:   "sip",
	DimFlow:  "flow",
}

func (d Dimension) String() string {
	if name, ok := dimensionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dimension(%d)", uint8(d))
}

// ParseDimension converts the CLI/config spelling of a dimension. The empty
// string selects DimNone.
func ParseDimension(s string) (Dimension, error) {
	switch s {
	case "":
		return DimNone, nil
	case "netns":
		return DimNetns, nil
	case "dmac":
		return DimDmac, nil
	case "smac":
		return DimSmac, nil
	case "dip":
		return DimDip, nil
	case "sip":
		return DimSip, nil
	case "flow":
		return DimFlow, nil
	}
	return DimNone, fmt.Errorf("unknown dimension %q (want netns, dmac, smac, dip, sip or flow)", s)
}

// TimeRef converts monotonic event timestamps to wall-clock time using a
// reference pair captured at startup.
type TimeRef struct {
	Wall time.Time
	Mono uint64 // monotonic nanoseconds at Wall
}

// WallAt returns the wall-clock time for a monotonic timestamp.
func (r TimeRef) WallAt(mono uint64) time.Time {
	if r.Wall.IsZero() {
		return time.Now()
	}
	return r.Wall.Add(time.Duration(int64(mono) - int64(r.Mono)))
}
