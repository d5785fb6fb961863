package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/annp1987/bpf-progs/internal/engine/statistic"
	"github.com/annp1987/bpf-progs/internal/model"
	"github.com/annp1987/bpf-progs/pkg/ksym"
)

func (e *Engine) maybeDisplay(now time.Time) {
	if e.dim == model.DimNone {
		return
	}
	if now.Sub(e.lastDisplay) < e.rate {
		return
	}
	e.lastDisplay = now
	e.display(now)
}

// display emits one cycle's summary, then closes the cycle: per-cycle
// counters reset, entries age, and compaction removes the dead.
func (e *Engine) display(now time.Time) {
	w := e.out

	fmt.Fprintf(w, "\n%s drops by %s: total %d", now.Format("15:04:05"), e.dim, e.total)
	if e.totalUnix > 0 {
		fmt.Fprintf(w, " (unix sockets %d)", e.totalUnix)
	}
	if e.parseErrs > 0 {
		fmt.Fprintf(w, " (parse errors %d)", e.parseErrs)
	}
	fmt.Fprintln(w)

	if e.dim == model.DimFlow {
		e.displayFlows(w)
	} else {
		e.displayHist(w)
	}
	e.displayPacketTypes(w)
	e.displayLocations(w)

	e.total = 0
	e.totalUnix = 0
	e.parseErrs = 0
	e.byPktType = [model.NumPacketTypes]uint64{}

	e.buckets.Age()
	e.locs.Age()
	e.buckets.Compact()
	e.locs.Compact()
}

func (e *Engine) displayHist(w io.Writer) {
	cols := e.columns()

	fmt.Fprintf(w, "%18s", e.dim)
	for _, c := range cols {
		fmt.Fprintf(w, "%10s", c.Label())
	}
	fmt.Fprintf(w, "%10s\n", "total")

	for _, b := range e.buckets.Live() {
		if b.Total < e.thresh {
			continue
		}
		fmt.Fprintf(w, "%18s", e.keyLabel(b))
		for _, c := range cols {
			fmt.Fprintf(w, "%10d", b.Hist[c])
		}
		fmt.Fprintf(w, "%10d\n", b.Total)
	}
}

// columns lists the histogram columns for the active dimension. dip and
// sip only ever see IPv4 packets, so the other columns are dropped there.
func (e *Engine) columns() []statistic.ProtoClass {
	ipv4Only := e.dim == model.DimDip || e.dim == model.DimSip
	cols := make([]statistic.ProtoClass, 0, statistic.NumProtoClasses)
	for c := statistic.ProtoClass(0); c < statistic.NumProtoClasses; c++ {
		if ipv4Only && !c.IPv4Relevant() {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

func (e *Engine) keyLabel(b *statistic.Bucket) string {
	switch e.dim {
	case model.DimNetns:
		return b.Name
	case model.DimDmac, model.DimSmac, model.DimFlow:
		return model.MACString(macFromKey(b.Key))
	case model.DimDip, model.DimSip:
		return ipv4FromKey(b.Key).String()
	}
	return fmt.Sprintf("%#x", b.Key)
}

func (e *Engine) displayFlows(w io.Writer) {
	for _, b := range e.buckets.Live() {
		if b.Total < e.thresh {
			continue
		}
		fmt.Fprintf(w, "  %s: %d drops\n", model.MACString(macFromKey(b.Key)), b.Total)
		for _, fe := range b.Flows.Live() {
			if fe.Hits == 0 {
				continue
			}
			fmt.Fprintf(w, "    hits %4d:   %s\n", fe.Hits, fe.Key.String())
		}
		if b.Flows.Overflow {
			fmt.Fprintln(w, "    too many flow entries for bucket")
		}
		if b.Flows.Failed {
			fmt.Fprintln(w, "    failed to add flow entry for bucket")
		}
	}
}

func (e *Engine) displayPacketTypes(w io.Writer) {
	fmt.Fprintf(w, "\n  drops by packet type:")
	for i := 0; i < model.NumPacketTypes; i++ {
		fmt.Fprintf(w, "  %s: %d", model.PacketTypeName(uint8(i)), e.byPktType[i])
	}
	fmt.Fprintln(w)
}

func (e *Engine) displayLocations(w io.Writer) {
	header := false
	for _, l := range e.locs.Live() {
		if l.Hits == 0 {
			continue
		}
		if !header {
			fmt.Fprintf(w, "\n  drop locations:\n")
			header = true
		}
		fmt.Fprintf(w, "%32s: %10d\n", l.Name, l.Hits)
	}
}

// dumpPacket prints one sample in live mode, where no aggregation runs.
func (e *Engine) dumpPacket(ev *model.DropEvent, sym ksym.Symbol, resolved bool) {
	ts := e.ref.WallAt(ev.Time).Format("15:04:05.000000")
	fmt.Fprintf(e.out, "%s  if %-3d  %-10s  netns %-10s  len %-5d frags %d gso %-5d  %s\n",
		ts, ev.Ifindex, model.PacketTypeName(ev.PktType), e.netnsName(ev.Netns),
		ev.PktLen, ev.NrFrags, ev.GSOSize,
		locationName(sym, resolved, ev.Location))

	// af_unix drops have no network packet to decode.
	if ev.Protocol == 0 && resolved && sym.Kind == ksym.KindUnix {
		return
	}
	key, err := parseFlow(ev)
	if err != nil {
		fmt.Fprintln(e.out, "        failed to parse packet")
		return
	}
	fmt.Fprintf(e.out, "        %s\n", key.String())
}
