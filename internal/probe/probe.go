// Package probe loads the BPF object files, attaches their programs and
// reads their maps and perf buffers back into model types.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/annp1987/bpf-progs/internal/model"
)

// Names the drop monitor expects inside its BPF object.
const (
	progKfreeSKB   = "kfree_skb"
	progNetnsExit  = "fib_net_exit"
	mapDropEvents  = "drop_events"
	tracepointGrp  = "skb"
	tracepointName = "kfree_skb"
)

const maxBatch = 256

// Options configure the drop probe.
type Options struct {
	ObjectFile string
	PerfPages  int // per-CPU perf buffer size, in pages

	// AttachNetnsKprobe hooks namespace teardown; only wanted for the
	// netns dimension.
	AttachNetnsKprobe bool
	// IgnoreKprobeErr keeps going when the teardown kprobe cannot attach,
	// which older kernels refuse.
	IgnoreKprobeErr bool
}

// Probe owns the loaded collection, its attachments and the perf reader
// for drop events.
type Probe struct {
	coll   *ebpf.Collection
	links  []link.Link
	reader *perf.Reader
	log    *zap.Logger
	lost   uint64
}

// New loads the object file, attaches the kfree_skb tracepoint (and the
// namespace teardown kprobe when asked) and opens the perf buffer. Any
// error here is fatal for the run.
func New(opts Options, log *zap.Logger) (*Probe, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.ObjectFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF object %s: %w", opts.ObjectFile, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create BPF collection: %w", err)
	}

	p := &Probe{coll: coll, log: log}

	prog := coll.Programs[progKfreeSKB]
	if prog == nil {
		p.Close()
		return nil, fmt.Errorf("BPF object %s has no %s program", opts.ObjectFile, progKfreeSKB)
	}
	tp, err := link.Tracepoint(tracepointGrp, tracepointName, prog, nil)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to attach %s/%s tracepoint: %w", tracepointGrp, tracepointName, err)
	}
	p.links = append(p.links, tp)

	if opts.AttachNetnsKprobe {
		if err := p.attachNetnsKprobe(opts.IgnoreKprobeErr); err != nil {
			p.Close()
			return nil, err
		}
	}

	events := coll.Maps[mapDropEvents]
	if events == nil {
		p.Close()
		return nil, fmt.Errorf("BPF object %s has no %s map", opts.ObjectFile, mapDropEvents)
	}
	pages := opts.PerfPages
	if pages <= 0 {
		pages = 64
	}
	reader, err := perf.NewReader(events, pages*os.Getpagesize())
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to open perf buffer: %w", err)
	}
	p.reader = reader

	return p, nil
}

func (p *Probe) attachNetnsKprobe(ignoreErr bool) error {
	warnOldKernel(p.log)

	prog := p.coll.Programs[progNetnsExit]
	if prog == nil {
		return fmt.Errorf("BPF object has no %s program", progNetnsExit)
	}
	kp, err := link.Kprobe(progNetnsExit, prog, nil)
	if err != nil {
		if ignoreErr {
			p.log.Warn("could not attach netns teardown kprobe; dead namespaces will age out instead",
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to attach %s kprobe (-i ignores this): %w", progNetnsExit, err)
	}
	p.links = append(p.links, kp)
	return nil
}

// warnOldKernel flags kernels that are known to refuse the fib_net_exit
// kprobe, so the -i escape hatch is discoverable before the attach fails.
func warnOldKernel(log *zap.Logger) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return
	}
	release := unix.ByteSliceToString(uts.Release[:])
	var major, minor int
	if _, err := fmt.Sscanf(release, "%d.%d", &major, &minor); err != nil {
		return
	}
	if major < 4 || (major == 4 && minor < 14) {
		log.Warn("kernel may not support the netns teardown kprobe",
			zap.String("release", release))
	}
}

// Next returns the drop events that arrive within maxWait. Reaching the
// deadline with a partial (or empty) batch is not an error. Once the
// reader is closed, Next returns io.EOF.
func (p *Probe) Next(maxWait time.Duration) ([]model.DropEvent, error) {
	p.reader.SetDeadline(time.Now().Add(maxWait))

	var events []model.DropEvent
	for len(events) < maxBatch {
		record, err := p.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if errors.Is(err, perf.ErrClosed) {
				return events, io.EOF
			}
			return events, fmt.Errorf("failed to read perf event: %w", err)
		}
		if record.LostSamples > 0 {
			p.lost += record.LostSamples
			p.log.Warn("perf buffer overrun, drop events lost",
				zap.Uint64("count", record.LostSamples),
				zap.Uint64("lifetime", p.lost))
			continue
		}
		ev, err := decodeEvent(record.RawSample)
		if err != nil {
			p.log.Debug("discarding malformed event record", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close detaches everything. Safe to call on a partially built probe.
func (p *Probe) Close() error {
	var firstErr error
	if p.reader != nil {
		firstErr = p.reader.Close()
	}
	for _, l := range p.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return firstErr
}

// NewTimeRef pairs the wall clock with CLOCK_MONOTONIC, the clock behind
// bpf_ktime_get_ns, so event timestamps can display as wall-clock times.
func NewTimeRef() (model.TimeRef, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return model.TimeRef{}, fmt.Errorf("failed to read monotonic clock: %w", err)
	}
	return model.TimeRef{Wall: time.Now(), Mono: uint64(ts.Nano())}, nil
}
