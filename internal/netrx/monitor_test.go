package netrx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedSource struct {
	snaps []Buckets
	errs  []error
	n     int
}

func (s *scriptedSource) ReadBuckets() (Buckets, error) {
	i := s.n
	s.n++
	if i < len(s.errs) && s.errs[i] != nil {
		return Buckets{}, s.errs[i]
	}
	if i >= len(s.snaps) {
		return s.snaps[len(s.snaps)-1], nil
	}
	return s.snaps[i], nil
}

func TestDumpReportsDeltas(t *testing.T) {
	src := &scriptedSource{snaps: []Buckets{
		{100, 50, 0, 0, 0, 0, 0, 0, 0, 2, 1},
		{160, 50, 3, 0, 0, 0, 0, 0, 0, 2, 4},
	}}
	var buf bytes.Buffer
	m := NewMonitor(src, &buf, time.Second, zap.NewNop())

	require.NoError(t, m.dump(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)))
	out := buf.String()
	assert.Contains(t, out, "10:00:00: errors: 1")
	assert.Contains(t, out, "0   -      10:        100")
	assert.Contains(t, out, "10+  -      25:         50")
	assert.Contains(t, out, "5000+  -      up:          2")

	buf.Reset()
	require.NoError(t, m.dump(time.Date(2026, 8, 25, 10, 0, 10, 0, time.UTC)))
	out = buf.String()
	assert.Contains(t, out, "10:00:10: errors: 3", "errors are per interval")
	assert.Contains(t, out, "0   -      10:         60")
	assert.Contains(t, out, "10+  -      25:          0", "idle buckets show zero deltas")
	assert.Contains(t, out, "25+  -      50:          3")
}

func TestDumpCoversEveryBucketRange(t *testing.T) {
	src := &scriptedSource{snaps: []Buckets{{}}}
	var buf bytes.Buffer
	m := NewMonitor(src, &buf, time.Second, zap.NewNop())

	require.NoError(t, m.dump(time.Now()))

	for _, bound := range bucketBoundsUsec {
		assert.Contains(t, buf.String(), fmt.Sprintf("%7d:", bound))
	}
	assert.Contains(t, buf.String(), "-      up:")
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{snaps: []Buckets{{}}}
	m := NewMonitor(src, &bytes.Buffer{}, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestRunPropagatesSourceErrors(t *testing.T) {
	src := &scriptedSource{errs: []error{errors.New("map gone")}}
	m := NewMonitor(src, &bytes.Buffer{}, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map gone")
}
