package probe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/annp1987/bpf-progs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRecord(t *testing.T, re rawEvent) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &re))
	return buf.Bytes()
}

func TestDecodeSample(t *testing.T) {
	re := rawEvent{
		Time:     12345,
		Netns:    0xffff888800001100,
		Location: 0xffffffff81500010,
		Ifindex:  3,
		PktLen:   5,
		GSOSize:  1448,
		VlanTCI:  100,
		Protocol: 0x0800,
		Kind:     uint8(model.KindSample),
		PktType:  2,
		NrFrags:  1,
	}
	copy(re.Data[:], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11})

	ev, err := decodeEvent(rawRecord(t, re))
	require.NoError(t, err)

	assert.Equal(t, model.KindSample, ev.Kind)
	assert.Equal(t, uint64(12345), ev.Time)
	assert.Equal(t, uint64(0xffff888800001100), ev.Netns)
	assert.Equal(t, uint64(0xffffffff81500010), ev.Location)
	assert.Equal(t, uint32(3), ev.Ifindex)
	assert.Equal(t, uint16(0x0800), ev.Protocol)
	assert.Equal(t, uint8(2), ev.PktType)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}, ev.Data,
		"data is trimmed to the packet length")
}

func TestDecodeCapsDataAtCaptureLength(t *testing.T) {
	re := rawEvent{Kind: uint8(model.KindSample), PktLen: 9000}
	ev, err := decodeEvent(rawRecord(t, re))
	require.NoError(t, err)
	assert.Len(t, ev.Data, eventDataLen)
	assert.Equal(t, uint32(9000), ev.PktLen, "the wire length is preserved")
}

func TestDecodeExitCarriesNoData(t *testing.T) {
	re := rawEvent{Kind: uint8(model.KindExit), Netns: 42, Time: 7}
	ev, err := decodeEvent(rawRecord(t, re))
	require.NoError(t, err)
	assert.Equal(t, model.KindExit, ev.Kind)
	assert.Equal(t, uint64(42), ev.Netns)
	assert.Nil(t, ev.Data)
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, err := decodeEvent([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	re := rawEvent{Kind: 99}
	_, err := decodeEvent(rawRecord(t, re))
	require.Error(t, err)
}
