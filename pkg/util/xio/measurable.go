package xio

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MeasurableWriter is an io.Writer reporting how much was written and how fast.
type MeasurableWriter interface {
	io.Writer
	// Total returns the number of bytes written so far.
	Total() int64
	// Elapsed returns the time since the first write.
	Elapsed() time.Duration
	// BytesPerSecond returns the average throughput since the first write.
	BytesPerSecond() float64
}

// NewMeasuredWriter wraps w, time is taken from clk (the wall clock if nil).
func NewMeasuredWriter(w io.Writer, clk clock.Clock) MeasurableWriter {
	if clk == nil {
		clk = clock.New()
	}
	return &measurableWriter{wrap: w, clock: clk}
}

type measurableWriter struct {
	wrap  io.Writer
	clock clock.Clock

	mu    sync.Mutex
	count int64
	start time.Time
}

func (m *measurableWriter) Write(b []byte) (int, error) {
	n, err := m.wrap.Write(b)
	m.mu.Lock()
	if m.start.IsZero() {
		m.start = m.clock.Now()
	}
	m.count += int64(n)
	m.mu.Unlock()
	return n, err
}

func (m *measurableWriter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *measurableWriter) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		return 0
	}
	return m.clock.Since(m.start)
}

func (m *measurableWriter) BytesPerSecond() float64 {
	elapsed := m.Elapsed()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.Total()) / elapsed.Seconds()
}
