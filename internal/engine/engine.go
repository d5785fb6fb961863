// Package engine turns the stream of kernel drop events into periodic
// summaries. One goroutine owns all aggregation state: it drains the event
// source, updates the indices and runs the display cycle in between reads,
// so no locking is needed anywhere in the hot path.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/annp1987/bpf-progs/internal/config"
	"github.com/annp1987/bpf-progs/internal/engine/protocol"
	"github.com/annp1987/bpf-progs/internal/engine/statistic"
	"github.com/annp1987/bpf-progs/internal/model"
	"github.com/annp1987/bpf-progs/pkg/ksym"
	"go.uber.org/zap"
)

// EventSource delivers drop events from the kernel side. Next returns the
// events that arrived within maxWait; an empty batch on timeout is normal.
// A closed source returns io.EOF, possibly with a final batch.
type EventSource interface {
	Next(maxWait time.Duration) ([]model.DropEvent, error)
}

// Resolver maps kernel addresses to symbols.
type Resolver interface {
	// Nearest returns the symbol whose range covers addr.
	Nearest(addr uint64) (ksym.Symbol, bool)
	// Exact returns the symbol at exactly addr.
	Exact(addr uint64) (ksym.Symbol, bool)
}

const maxPollWait = 250 * time.Millisecond

// Read failures are retried; this many in a row end the run.
const maxSourceFailures = 5

// Engine aggregates drop events and emits summaries to one output stream.
type Engine struct {
	dim    model.Dimension
	rate   time.Duration
	thresh uint64

	skipUnix bool
	skipTCP  bool
	skipOVS  bool

	resolver Resolver
	ref      model.TimeRef
	out      io.Writer
	log      *zap.Logger

	buckets *statistic.BucketIndex
	locs    *statistic.LocationIndex

	// per-cycle counters
	total     uint64
	totalUnix uint64
	parseErrs uint64
	byPktType [model.NumPacketTypes]uint64

	nsid        int // next synthetic namespace name
	lastDisplay time.Time
}

// New creates an engine for a validated config.
func New(cfg *config.Config, resolver Resolver, ref model.TimeRef, out io.Writer, log *zap.Logger) *Engine {
	return &Engine{
		dim:      cfg.Dim,
		rate:     time.Duration(cfg.Rate) * time.Second,
		thresh:   uint64(cfg.Threshold),
		skipUnix: cfg.SkipUnix,
		skipTCP:  cfg.SkipTCP,
		skipOVS:  cfg.SkipOVS,
		resolver: resolver,
		ref:      ref,
		out:      out,
		log:      log,
		buckets:  statistic.NewBucketIndex(cfg.Dim == model.DimFlow),
		locs:     statistic.NewLocationIndex(),
	}
}

// Run drains the source until ctx is canceled or the source closes,
// emitting a summary every display interval. The cancellation flag is
// checked once per drain round, never inside one, so an event is always
// processed completely. A failed read does not end the run unless it
// repeats maxSourceFailures times with no successful read in between.
func (e *Engine) Run(ctx context.Context, src EventSource) error {
	e.lastDisplay = time.Now()

	fails := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := src.Next(e.pollWait())
		switch {
		case err == nil:
			fails = 0
			for i := range events {
				e.Handle(&events[i])
			}
		case errors.Is(err, io.EOF):
			for i := range events {
				e.Handle(&events[i])
			}
			e.log.Info("event source closed")
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			fails++
			if fails >= maxSourceFailures {
				return fmt.Errorf("event source failed repeatedly: %w", err)
			}
			e.log.Warn("failed to read events", zap.Error(err))
		}

		e.maybeDisplay(time.Now())
	}
}

func (e *Engine) pollWait() time.Duration {
	if e.dim == model.DimNone {
		return maxPollWait
	}
	wait := time.Until(e.lastDisplay.Add(e.rate))
	if wait > maxPollWait {
		return maxPollWait
	}
	if wait < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	return wait
}

// Handle routes a single event into the aggregation state.
func (e *Engine) Handle(ev *model.DropEvent) {
	switch ev.Kind {
	case model.KindSample:
		e.handleSample(ev)
	case model.KindExit:
		e.handleExit(ev)
	default:
		e.log.Debug("dropping event of unknown kind", zap.Uint8("kind", uint8(ev.Kind)))
	}
}

func (e *Engine) handleSample(ev *model.DropEvent) {
	sym, resolved := e.resolver.Nearest(ev.Location)
	if resolved && e.shouldSkip(sym.Kind) {
		return
	}

	// Live mode aggregates nothing: filter, dump, done.
	if e.dim == model.DimNone {
		e.dumpPacket(ev, sym, resolved)
		return
	}

	e.total++
	e.byPktType[ev.PktType&7]++

	loc := e.locs.Lookup(ev.Location)
	if loc == nil {
		loc = e.locs.Insert(ev.Location, locationName(sym, resolved, ev.Location))
	}
	loc.Hits++

	// af_unix drops carry no parseable network packet; tally and move on.
	if resolved && sym.Kind == ksym.KindUnix {
		e.totalUnix++
		return
	}

	key, err := parseFlow(ev)
	if err != nil {
		e.parseErrs++
		e.log.Debug("packet parse failed",
			zap.Error(err),
			zap.Uint32("ifindex", ev.Ifindex),
			zap.Uint32("len", ev.PktLen),
			zap.String("location", locationName(sym, resolved, ev.Location)))
		return
	}

	bkey, ok := bucketKey(e.dim, ev, key)
	if !ok {
		return
	}
	b := e.buckets.Find(bkey)
	if e.dim == model.DimNetns && b.Name == "" {
		b.Name = e.newNetnsName(bkey)
	}
	b.Total++
	if b.Flows != nil {
		b.Flows.Record(*key)
	} else {
		b.Hist.Record(key)
	}
}

func (e *Engine) handleExit(ev *model.DropEvent) {
	b := e.buckets.Lookup(ev.Netns)
	if b == nil {
		return
	}
	e.buckets.MarkDead(ev.Netns)
	name := b.Name
	if name == "" {
		name = fmt.Sprintf("%#x", ev.Netns)
	}
	fmt.Fprintf(e.out, "netns %s/%#x is dead\n", name, ev.Netns)
}

// newNetnsName names a namespace bucket once, at creation, so synthetic
// names stay stable for the bucket's lifetime.
func (e *Engine) newNetnsName(ns uint64) string {
	if ns == 0 {
		return "<unknown>"
	}
	if sym, ok := e.resolver.Exact(ns); ok {
		return sym.Name
	}
	name := fmt.Sprintf("netns-%d", e.nsid)
	e.nsid++
	return name
}

// parseFlow decodes a sample's captured bytes. A vlan tag the NIC stripped
// into metadata is the outer tag and overrides any captured one.
func parseFlow(ev *model.DropEvent) (*model.FlowKey, error) {
	key, err := protocol.Parse(ev.Data)
	if err != nil {
		return nil, err
	}
	if ev.VlanTCI != 0 {
		key.VlanID = ev.VlanTCI & 0x0fff
	}
	return key, nil
}

func (e *Engine) shouldSkip(kind ksym.Kind) bool {
	switch kind {
	case ksym.KindUnix:
		return e.skipUnix
	case ksym.KindTCP:
		return e.skipTCP
	case ksym.KindOVSUpcall:
		return e.skipOVS
	}
	return false
}

// bucketKey derives the 64-bit index key for one sample. The second return
// is false when the dimension does not apply to this packet, e.g. anything
// that is not plain IPv4 for the dip and sip dimensions.
func bucketKey(dim model.Dimension, ev *model.DropEvent, key *model.FlowKey) (uint64, bool) {
	switch dim {
	case model.DimNetns:
		return ev.Netns, true
	case model.DimDmac, model.DimFlow:
		return macKey(key.Dmac), true
	case model.DimSmac:
		return macKey(key.Smac), true
	case model.DimDip:
		if key.EtherType != model.EtherTypeIPv4 {
			return 0, false
		}
		return ipv4Key(key.DstIP)
	case model.DimSip:
		if key.EtherType != model.EtherTypeIPv4 {
			return 0, false
		}
		return ipv4Key(key.SrcIP)
	}
	return 0, false
}

// macKey packs the six MAC bytes big-endian into the low 48 bits, so index
// order matches byte order.
func macKey(mac [6]byte) uint64 {
	var key uint64
	for _, b := range mac {
		key = key<<8 | uint64(b)
	}
	return key
}

func macFromKey(key uint64) [6]byte {
	var mac [6]byte
	for i := 5; i >= 0; i-- {
		mac[i] = byte(key)
		key >>= 8
	}
	return mac
}

func ipv4Key(addr netip.Addr) (uint64, bool) {
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return uint64(binary.BigEndian.Uint32(b[:])), true
}

func ipv4FromKey(key uint64) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(key))
	return netip.AddrFrom4(b)
}

func locationName(sym ksym.Symbol, resolved bool, addr uint64) string {
	if !resolved {
		return fmt.Sprintf("%#x", addr)
	}
	if off := addr - sym.Addr; off != 0 {
		return fmt.Sprintf("%s+%#x", sym.Name, off)
	}
	return sym.Name
}

func (e *Engine) netnsName(ns uint64) string {
	if sym, ok := e.resolver.Exact(ns); ok {
		return sym.Name
	}
	return fmt.Sprintf("%#x", ns)
}
