package rtc

import (
	"sync"
	"time"
)

const opusFrame = 20 * time.Millisecond

// Meter estimates speech energy from encoded Opus sizes: frames grow with
// signal energy and collapse to a few bytes on silence. Level is the mean
// number of bytes per 20ms frame over the last window observations.
type Meter struct {
	mu     sync.Mutex
	window []float64
	next   int
	filled int
}

func NewMeter(window int) *Meter {
	if window <= 0 {
		window = 16
	}
	return &Meter{window: make([]float64, window)}
}

func (m *Meter) Observe(bytes int, d time.Duration) {
	if d <= 0 {
		d = opusFrame
	}
	v := float64(bytes) * float64(opusFrame) / float64(d)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window[m.next] = v
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
}

func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < m.filled; i++ {
		sum += m.window[i]
	}
	return sum / float64(m.filled)
}

func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.window)
	m.next, m.filled = 0, 0
}
