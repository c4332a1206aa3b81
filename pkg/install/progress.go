package install

import (
	"sync"
)

// Progress is the state of a running installation: a percentage from 0 to
// 100 which never decreases, a message and the nesting depth of the step the
// message belongs to. The idle value is the zero Progress.
type Progress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
	Depth      int    `json:"depth"`
}

// ProgressFunc receives every progress update.
type ProgressFunc func(Progress)

// Reporter tracks nested installation steps.
type Reporter struct {
	mu      sync.Mutex
	current Progress
	notify  ProgressFunc
}

// NewReporter returns an idle Reporter calling notify on every update.
func NewReporter(notify ProgressFunc) *Reporter {
	return &Reporter{notify: notify}
}

// Current returns the last reported progress.
func (r *Reporter) Current() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reset returns to the idle state without notifying.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = Progress{}
}

// Begin starts a top level step with the given number of substeps. The
// percentage restarts at 0.
func (r *Reporter) Begin(message string, substeps int) *Step {
	s := &Step{reporter: r, message: message, depth: 1, lo: 0, hi: 100, substeps: substeps}
	r.Reset()
	r.report(s.lo, message, s.depth)
	return s
}

func (r *Reporter) report(percentage float64, message string, depth int) {
	r.mu.Lock()
	p := Progress{Percentage: int(percentage), Message: message, Depth: depth}
	if p.Percentage < r.current.Percentage {
		p.Percentage = r.current.Percentage
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	r.current = p
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify(p)
	}
}

// Step is one step of the installation. It owns the percentage range
// [lo, hi], split evenly between its substeps in the order they begin.
type Step struct {
	reporter *Reporter
	message  string
	depth    int
	lo, hi   float64

	mu       sync.Mutex
	substeps int
	started  int
	ended    bool
}

// Begin starts the next substep.
func (s *Step) Begin(message string, substeps int) *Step {
	s.mu.Lock()
	n := max(s.substeps, 1)
	idx := min(s.started, n-1)
	s.started++
	s.mu.Unlock()

	width := (s.hi - s.lo) / float64(n)
	child := &Step{
		reporter: s.reporter,
		message:  message,
		depth:    s.depth + 1,
		lo:       s.lo + width*float64(idx),
		hi:       s.lo + width*float64(idx+1),
		substeps: substeps,
	}
	s.reporter.report(child.lo, message, child.depth)
	return child
}

// End finishes the step, reporting its upper bound with the message
// suffixed by "done." or "failed.". Ending a step twice is a no-op.
func (s *Step) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	suffix := " done."
	if err != nil {
		suffix = " failed."
	}
	s.reporter.report(s.hi, s.message+suffix, s.depth)
}
