package probe

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/annp1987/bpf-progs/internal/netrx"
)

// Names the softirq latency monitor expects inside its BPF object.
const (
	progNetRxEntry = "net_rx_entry"
	progNetRxRet   = "net_rx_ret"
	mapNetRxHist   = "net_rx_map"
	netRxSymbol    = "net_rx_action"
)

// NetRx owns the kprobe pair timing net_rx_action runs and the
// histogram map the BPF side fills in.
type NetRx struct {
	coll  *ebpf.Collection
	links []link.Link
	hist  *ebpf.Map
	log   *zap.Logger
}

// NewNetRx loads objectFile and attaches its entry and return probes to
// net_rx_action.
func NewNetRx(objectFile string, log *zap.Logger) (*NetRx, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to lift memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objectFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF object %s: %w", objectFile, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create BPF collection: %w", err)
	}

	p := &NetRx{coll: coll, log: log}

	entry, ok := coll.Programs[progNetRxEntry]
	if !ok {
		p.Close()
		return nil, fmt.Errorf("BPF object has no %s program", progNetRxEntry)
	}
	ret, ok := coll.Programs[progNetRxRet]
	if !ok {
		p.Close()
		return nil, fmt.Errorf("BPF object has no %s program", progNetRxRet)
	}
	p.hist, ok = coll.Maps[mapNetRxHist]
	if !ok {
		p.Close()
		return nil, fmt.Errorf("BPF object has no %s map", mapNetRxHist)
	}

	kp, err := link.Kprobe(netRxSymbol, entry, nil)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to attach kprobe to %s: %w", netRxSymbol, err)
	}
	p.links = append(p.links, kp)

	krp, err := link.Kretprobe(netRxSymbol, ret, nil)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to attach kretprobe to %s: %w", netRxSymbol, err)
	}
	p.links = append(p.links, krp)

	log.Debug("net_rx_action probes attached", zap.String("object", objectFile))
	return p, nil
}

// ReadBuckets snapshots the latency histogram.
func (p *NetRx) ReadBuckets() (netrx.Buckets, error) {
	var (
		key uint32
		val netrx.Buckets
	)
	if err := p.hist.Lookup(&key, &val); err != nil {
		return netrx.Buckets{}, fmt.Errorf("failed to read latency histogram: %w", err)
	}
	return val, nil
}

// Close detaches the probes and releases the collection.
func (p *NetRx) Close() error {
	var first error
	for _, l := range p.links {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return first
}
