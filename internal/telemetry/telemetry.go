// Package telemetry implements the metrics sampler of spec.md §4.11,
// C11: a fixed-capacity ring buffer fed by a ticking goroutine that reads
// process and system resource counters via gopsutil, plus an optional
// per-thread hot-spot sampler.
package telemetry

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("truthgate/telemetry")

var errUnsupportedPlatform = errors.New("per-thread hot-spot sampling not supported on this platform")

// DefaultWindow is the ring buffer's default sample capacity.
const DefaultWindow = 600

// DefaultInterval is the default sample period.
const DefaultInterval = time.Second

// Sample is one ring-buffer entry (spec.md §4.11).
type Sample struct {
	Ts              time.Time `json:"ts"`
	ProcessCPUPct   float64   `json:"processCpuPct"`
	WorkingSetBytes uint64    `json:"workingSetBytes"`
	GCHeapBytes     uint64    `json:"gcHeapBytes"`
	ThreadCount     int       `json:"threadCount"`
	GoroutineCount  int       `json:"goroutineCount"`
	SystemCPUPct    float64   `json:"systemCpuPct"`
	SystemMemPct    float64   `json:"systemMemPct"`
}

// ThreadHotSpot is one entry of the optional per-thread sampler.
type ThreadHotSpot struct {
	ThreadID  int     `json:"threadId"`
	CPUDeltaS float64 `json:"cpuDeltaSeconds"`
}

// RingBuffer is a fixed-capacity, overwrite-oldest sample buffer.
type RingBuffer struct {
	mu       sync.RWMutex
	samples  []Sample
	capacity int
	next     int
	filled   bool
}

// NewRingBuffer constructs a RingBuffer of the given capacity (<=0 uses
// DefaultWindow).
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &RingBuffer{samples: make([]Sample, capacity), capacity: capacity}
}

// Push appends s, overwriting the oldest sample once capacity is reached.
func (b *RingBuffer) Push(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples[b.next] = s
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.filled = true
	}
}

// Snapshot returns every stored sample in chronological order.
func (b *RingBuffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.filled {
		out := make([]Sample, b.next)
		copy(out, b.samples[:b.next])
		return out
	}
	out := make([]Sample, b.capacity)
	copy(out, b.samples[b.next:])
	copy(out[b.capacity-b.next:], b.samples[:b.next])
	return out
}

// Sampler drives the ring buffer's ticking goroutine.
type Sampler struct {
	buf      *RingBuffer
	interval time.Duration
	proc     *process.Process
	metrics  *Metrics

	hotSpotN  int
	hotMu     sync.Mutex
	prevTimes map[int]float64
}

// NewSampler constructs a Sampler for the current process. interval<=0
// uses DefaultInterval. hotSpotN>0 enables the opt-in per-thread sampler
// for the top N CPU-delta threads. metrics may be nil to skip Prometheus
// gauge updates.
func NewSampler(buf *RingBuffer, interval time.Duration, hotSpotN int, metrics *Metrics) (*Sampler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		buf:       buf,
		interval:  interval,
		proc:      proc,
		metrics:   metrics,
		hotSpotN:  hotSpotN,
		prevTimes: make(map[int]float64),
	}, nil
}

// Run samples on a ticker until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sample := s.sampleOnce()
			s.buf.Push(sample)
			if s.metrics != nil {
				s.metrics.Observe(sample)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sampler) sampleOnce() Sample {
	sample := Sample{Ts: time.Now(), GoroutineCount: runtime.NumGoroutine()}

	if pct, err := s.proc.CPUPercent(); err == nil {
		sample.ProcessCPUPct = pct
	}
	if mi, err := s.proc.MemoryInfo(); err == nil && mi != nil {
		sample.WorkingSetBytes = mi.RSS
	}
	if threads, err := s.proc.NumThreads(); err == nil {
		sample.ThreadCount = int(threads)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample.GCHeapBytes = ms.HeapAlloc

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sample.SystemCPUPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.SystemMemPct = vm.UsedPercent
	}

	return sample
}

// HotSpots returns, when enabled, the N threads with the highest CPU-time
// delta since the previous call (spec.md §4.11's opt-in per-thread
// sampler). Backed by threadCPUTimes, which reads /proc/<pid>/task/*/stat
// on Linux and returns errUnsupportedPlatform elsewhere.
func (s *Sampler) HotSpots() []ThreadHotSpot {
	if s.hotSpotN <= 0 {
		return nil
	}
	times, err := threadCPUTimes(s.proc.Pid)
	if err != nil {
		log.Debugw("per-thread hot-spot sampling unavailable", "err", err)
		return nil
	}

	s.hotMu.Lock()
	defer s.hotMu.Unlock()
	spots := make([]ThreadHotSpot, 0, len(times))
	for tid, total := range times {
		delta := total - s.prevTimes[tid]
		if delta < 0 {
			delta = 0
		}
		spots = append(spots, ThreadHotSpot{ThreadID: tid, CPUDeltaS: delta})
		s.prevTimes[tid] = total
	}
	sort.Slice(spots, func(i, j int) bool { return spots[i].CPUDeltaS > spots[j].CPUDeltaS })
	if len(spots) > s.hotSpotN {
		spots = spots[:s.hotSpotN]
	}
	return spots
}
