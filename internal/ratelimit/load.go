package ratelimit

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
)

const (
	sampleInterval = 5 * time.Second
	historySize    = 60
)

// loadMonitor samples normalized system load and turns it into a limit
// multiplier: lightly loaded hosts allow more, overloaded hosts shed.
type loadMonitor struct {
	mu      sync.Mutex
	history []float64

	sample func() (float64, error)
}

func newLoadMonitor() *loadMonitor {
	return &loadMonitor{
		sample: sampleNormalizedLoad,
	}
}

// sampleNormalizedLoad returns 1-minute load average divided by CPU count.
func sampleNormalizedLoad() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 1
	}
	return avg.Load1 / float64(cpus), nil
}

func (m *loadMonitor) run(stop <-chan struct{}) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v, err := m.sample()
			if err != nil {
				continue
			}
			m.record(v)
		}
	}
}

func (m *loadMonitor) record(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, v)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// factor maps the recent average load to a limit multiplier. With no samples
// yet the limiter runs at its configured base.
func (m *loadMonitor) factor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return 1.0
	}
	var sum float64
	for _, v := range m.history {
		sum += v
	}
	avg := sum / float64(len(m.history))
	switch {
	case avg < 0.5:
		return 1.2
	case avg < 0.8:
		return 1.0
	case avg < 1.2:
		return 0.8
	default:
		return 0.5
	}
}
