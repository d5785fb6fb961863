package ksym

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleKallsyms = `ffffffff81000000 T _text
ffffffff81200000 T tcp_v4_rcv
ffffffff81200800 T tcp_drop
ffffffff81301000 T unix_stream_connect
ffffffff81402000 T queue_userspace_packet
ffffffff81500000 T kfree_skb
ffffffff82000000 D init_net
`

func loadSample(t *testing.T) *Table {
	t.Helper()
	tbl, err := parse(strings.NewReader(sampleKallsyms))
	require.NoError(t, err)
	require.Equal(t, 7, tbl.Len())
	return tbl
}

func TestNearest(t *testing.T) {
	tbl := loadSample(t)

	// Exact start of a function.
	sym, ok := tbl.Nearest(0xffffffff81500000)
	require.True(t, ok)
	assert.Equal(t, "kfree_skb", sym.Name)

	// Inside a function body.
	sym, ok = tbl.Nearest(0xffffffff81200810)
	require.True(t, ok)
	assert.Equal(t, "tcp_drop", sym.Name)
	assert.Equal(t, uint64(0x10), 0xffffffff81200810-sym.Addr)

	// One byte before the next symbol still belongs to the previous one.
	sym, ok = tbl.Nearest(0xffffffff813fffff)
	require.True(t, ok)
	assert.Equal(t, "unix_stream_connect", sym.Name)

	// Below the first symbol there is nothing to resolve.
	_, ok = tbl.Nearest(0x1000)
	assert.False(t, ok)
}

func TestExact(t *testing.T) {
	tbl := loadSample(t)

	sym, ok := tbl.Exact(0xffffffff82000000)
	require.True(t, ok)
	assert.Equal(t, "init_net", sym.Name)

	// A pointer near but not at a data symbol must not resolve.
	_, ok = tbl.Exact(0xffffffff82000008)
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	tbl := loadSample(t)

	sym, _ := tbl.Nearest(0xffffffff81200800)
	assert.Equal(t, KindTCP, sym.Kind)

	sym, _ = tbl.Nearest(0xffffffff81301000)
	assert.Equal(t, KindUnix, sym.Kind)

	sym, _ = tbl.Nearest(0xffffffff81402000)
	assert.Equal(t, KindOVSUpcall, sym.Kind)

	sym, _ = tbl.Nearest(0xffffffff81500000)
	assert.Equal(t, KindOther, sym.Kind)
}

func TestParseSkipsMalformedLines(t *testing.T) {
	input := `not-an-address T bogus
ffffffff81000000 T _text
short-line
ffffffff81000100 T real_symbol extra module [mod]
`
	tbl, err := parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestParseRejectsMaskedAddresses(t *testing.T) {
	input := `0000000000000000 T tcp_v4_rcv
0000000000000000 T kfree_skb
`
	_, err := parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kptr_restrict")
}

func TestParseEmpty(t *testing.T) {
	_, err := parse(strings.NewReader(""))
	require.Error(t, err)
}
