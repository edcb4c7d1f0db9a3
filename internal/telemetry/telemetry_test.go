package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferSnapshotBeforeWrap(t *testing.T) {
	b := NewRingBuffer(4)
	b.Push(Sample{ProcessCPUPct: 1})
	b.Push(Sample{ProcessCPUPct: 2})

	got := b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].ProcessCPUPct)
	assert.Equal(t, 2.0, got[1].ProcessCPUPct)
}

func TestRingBufferSnapshotChronologicalAfterWrap(t *testing.T) {
	b := NewRingBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Push(Sample{ProcessCPUPct: float64(i)})
	}
	// capacity 3, 5 pushes: buffer holds samples 3,4,5 in that order.
	got := b.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{got[0].ProcessCPUPct, got[1].ProcessCPUPct, got[2].ProcessCPUPct})
}

func TestNewRingBufferDefaultsCapacity(t *testing.T) {
	b := NewRingBuffer(0)
	assert.Equal(t, DefaultWindow, b.capacity)
}

func TestSamplerSampleOnceFillsGoroutineCount(t *testing.T) {
	s, err := NewSampler(NewRingBuffer(10), time.Millisecond, 0, nil)
	require.NoError(t, err)

	sample := s.sampleOnce()
	assert.Greater(t, sample.GoroutineCount, 0)
	assert.False(t, sample.Ts.IsZero())
}

func TestSamplerRunPushesSamplesUntilCancelled(t *testing.T) {
	buf := NewRingBuffer(10)
	s, err := NewSampler(buf, time.Millisecond, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	<-done

	assert.NotEmpty(t, buf.Snapshot())
}

func TestHotSpotsDisabledByDefault(t *testing.T) {
	s, err := NewSampler(NewRingBuffer(10), time.Millisecond, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, s.HotSpots())
}
