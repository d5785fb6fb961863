package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/annp1987/bpf-progs/internal/model"
)

// eventDataLen is how many leading packet bytes the BPF program captures.
// Enough for Ethernet, one VLAN tag, an IPv6 header and the transport
// header the classifier needs.
const eventDataLen = 128

// rawEvent mirrors struct drop_event in the BPF object; field order,
// sizes and padding must match the C definition exactly.
type rawEvent struct {
	Time     uint64
	Netns    uint64
	Location uint64
	Ifindex  uint32
	PktLen   uint32
	GSOSize  uint32
	VlanTCI  uint16
	Protocol uint16
	Kind     uint8
	PktType  uint8
	NrFrags  uint8
	_        [5]uint8
	Data     [eventDataLen]uint8
}

func decodeEvent(raw []byte) (model.DropEvent, error) {
	var re rawEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &re); err != nil {
		return model.DropEvent{}, fmt.Errorf("short event record (%d bytes): %w", len(raw), err)
	}

	kind := model.EventKind(re.Kind)
	if kind != model.KindSample && kind != model.KindExit {
		return model.DropEvent{}, fmt.Errorf("unknown event kind %d", re.Kind)
	}

	ev := model.DropEvent{
		Kind:     kind,
		Time:     re.Time,
		Ifindex:  re.Ifindex,
		PktType:  re.PktType,
		Netns:    re.Netns,
		Location: re.Location,
		Protocol: re.Protocol,
		VlanTCI:  re.VlanTCI,
		PktLen:   re.PktLen,
		GSOSize:  re.GSOSize,
		NrFrags:  re.NrFrags,
	}

	if kind == model.KindSample {
		n := int(re.PktLen)
		if n > eventDataLen {
			n = eventDataLen
		}
		ev.Data = make([]byte, n)
		copy(ev.Data, re.Data[:n])
	}

	return ev, nil
}
