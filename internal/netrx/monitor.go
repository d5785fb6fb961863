// Package netrx reports how long net_rx_action softirq runs take, as a
// histogram of microsecond latency buckets maintained by the kernel side.
package netrx

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Bucket layout shared with the BPF object: ten latency buckets followed
// by one error counter.
const (
	NumLatBuckets = 10
	ErrBucket     = NumLatBuckets
	NumBuckets    = NumLatBuckets + 1
)

// Upper bounds in microseconds for the first nine latency buckets. The
// tenth bucket is open-ended.
var bucketBoundsUsec = [NumLatBuckets - 1]uint64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Buckets is one snapshot of the kernel-side histogram. Counters only
// grow; the monitor reports deltas between snapshots.
type Buckets [NumBuckets]uint64

// Source reads the current histogram counters.
type Source interface {
	ReadBuckets() (Buckets, error)
}

// Monitor periodically snapshots a Source and prints the per-interval
// latency distribution.
type Monitor struct {
	src  Source
	out  io.Writer
	rate time.Duration
	log  *zap.Logger

	prev Buckets
}

func NewMonitor(src Source, out io.Writer, rate time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		src:  src,
		out:  out,
		rate: rate,
		log:  log,
	}
}

// Run dumps the histogram every rate interval until ctx is canceled or
// the source fails.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("netrx monitor stopping")
			return nil
		case <-ticker.C:
			if err := m.dump(time.Now()); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) dump(now time.Time) error {
	cur, err := m.src.ReadBuckets()
	if err != nil {
		return err
	}

	var diff Buckets
	for i := range cur {
		diff[i] = cur[i] - m.prev[i]
	}
	m.prev = cur

	fmt.Fprintf(m.out, "%s: errors: %d\n", now.Format("15:04:05"), diff[ErrBucket])
	fmt.Fprintf(m.out, "          time (usec)        count\n")
	fmt.Fprintf(m.out, "         0   - %7d:   %8d\n", bucketBoundsUsec[0], diff[0])
	for i := 1; i < NumLatBuckets-1; i++ {
		fmt.Fprintf(m.out, "   %7d+  - %7d:   %8d\n", bucketBoundsUsec[i-1], bucketBoundsUsec[i], diff[i])
	}
	fmt.Fprintf(m.out, "   %7d+  -      up:   %8d\n", bucketBoundsUsec[NumLatBuckets-2], diff[NumLatBuckets-1])
	fmt.Fprintln(m.out)

	return nil
}
