package admission

import (
	"errors"
	"math"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Reading is one raw measurement of process health.
type Reading struct {
	HeapUsedBytes uint64
	ResidentBytes uint64
	// SchedLatency is the mean time goroutines waited to run since the
	// previous reading. Negative when unknown.
	SchedLatency time.Duration
	// Utilization is the busy fraction of available CPU time since the
	// previous reading. Negative when unknown.
	Utilization float64
}

// Sampler produces readings. Implementations may keep state between calls
// to compute deltas; Read is only called from the sampling goroutine.
type Sampler interface {
	Read() (Reading, error)
}

const (
	metricHeapObjects = "/memory/classes/heap/objects:bytes"
	metricTotalMemory = "/memory/classes/total:bytes"
	metricSchedLat    = "/sched/latencies:seconds"
	metricCPUTotal    = "/cpu/classes/total:cpu-seconds"
	metricCPUIdle     = "/cpu/classes/idle:cpu-seconds"
)

var errHeapUnavailable = errors.New("heap metric unavailable")

// RuntimeSampler reads the Go runtime metrics and the process RSS from procfs.
type RuntimeSampler struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	prevHist *metrics.Float64Histogram
	prevCPU  [2]float64 // total, idle
	havePrev bool
	proc     func() (int, error)
}

// NewRuntimeSampler creates a sampler backed by runtime/metrics.
func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{
		samples: []metrics.Sample{
			{Name: metricHeapObjects},
			{Name: metricTotalMemory},
			{Name: metricSchedLat},
			{Name: metricCPUTotal},
			{Name: metricCPUIdle},
		},
		proc: residentFromProcfs,
	}
}

func residentFromProcfs() (int, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return stat.ResidentMemory(), nil
}

// Read implements Sampler.
func (s *RuntimeSampler) Read() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.Read(s.samples)

	r := Reading{SchedLatency: -1, Utilization: -1}

	heap := s.samples[0].Value
	if heap.Kind() != metrics.KindUint64 {
		return r, errHeapUnavailable
	}
	r.HeapUsedBytes = heap.Uint64()

	if rss, err := s.proc(); err == nil && rss > 0 {
		r.ResidentBytes = uint64(rss)
	} else if total := s.samples[1].Value; total.Kind() == metrics.KindUint64 {
		r.ResidentBytes = total.Uint64()
	}

	var hist *metrics.Float64Histogram
	if v := s.samples[2].Value; v.Kind() == metrics.KindFloat64Histogram {
		hist = copyHistogram(v.Float64Histogram())
	}

	var cpu [2]float64
	cpuOK := s.samples[3].Value.Kind() == metrics.KindFloat64 && s.samples[4].Value.Kind() == metrics.KindFloat64
	if cpuOK {
		cpu = [2]float64{s.samples[3].Value.Float64(), s.samples[4].Value.Float64()}
	}

	if s.havePrev {
		if hist != nil && s.prevHist != nil {
			if mean, ok := histogramDeltaMean(s.prevHist, hist); ok {
				r.SchedLatency = time.Duration(mean * float64(time.Second))
			}
		}
		if cpuOK {
			if u, ok := utilization(s.prevCPU, cpu); ok {
				r.Utilization = u
			}
		}
	}

	s.prevHist = hist
	s.prevCPU = cpu
	s.havePrev = true
	return r, nil
}

func copyHistogram(h *metrics.Float64Histogram) *metrics.Float64Histogram {
	if h == nil {
		return nil
	}
	return &metrics.Float64Histogram{
		Counts:  append([]uint64(nil), h.Counts...),
		Buckets: append([]float64(nil), h.Buckets...),
	}
}

// histogramDeltaMean approximates the mean of the observations added between
// two cumulative histograms using bucket midpoints.
func histogramDeltaMean(prev, cur *metrics.Float64Histogram) (float64, bool) {
	if len(prev.Counts) != len(cur.Counts) || len(cur.Buckets) != len(cur.Counts)+1 {
		return 0, false
	}
	var n uint64
	var sum float64
	for i, c := range cur.Counts {
		if c < prev.Counts[i] {
			return 0, false
		}
		d := c - prev.Counts[i]
		if d == 0 {
			continue
		}
		n += d
		sum += float64(d) * bucketMid(cur.Buckets[i], cur.Buckets[i+1])
	}
	if n == 0 {
		return 0, true
	}
	return sum / float64(n), true
}

func bucketMid(lo, hi float64) float64 {
	switch {
	case math.IsInf(lo, -1) && math.IsInf(hi, 1):
		return 0
	case math.IsInf(lo, -1):
		return hi
	case math.IsInf(hi, 1):
		return lo
	default:
		return (lo + hi) / 2
	}
}

func utilization(prev, cur [2]float64) (float64, bool) {
	dTotal := cur[0] - prev[0]
	dIdle := cur[1] - prev[1]
	if dTotal <= 0 {
		return 0, false
	}
	u := 1 - dIdle/dTotal
	return math.Min(1, math.Max(0, u)), true
}
