package audio

import (
	"iter"
	"sync"
	"time"
)

// Monitor configures level sampling. The zero value is not useful; start from
// DefaultMonitor.
type Monitor struct {
	FFTSize     int
	Interval    time.Duration
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64
}

// DefaultMonitor samples at display-frame cadence with browser analyser defaults.
func DefaultMonitor() Monitor {
	return Monitor{
		FFTSize:     512,
		Interval:    16 * time.Millisecond,
		Smoothing:   0.8,
		MinDecibels: -90,
		MaxDecibels: -10,
	}
}

// Attach binds the monitor to src. Nothing runs until Samples is ranged over.
func (m Monitor) Attach(src Source) *Subscription {
	if m.Interval <= 0 {
		m.Interval = DefaultMonitor().Interval
	}
	return &Subscription{monitor: m, src: src, done: make(chan struct{})}
}

// Subscription is a handle on an attached stream.
type Subscription struct {
	monitor Monitor
	src     Source

	// gate is held for reading while a sample is being yielded; Detach takes it
	// for writing so no yield is in progress once it returns.
	gate     sync.RWMutex
	detached bool
	done     chan struct{}
	loops    sync.WaitGroup
}

// Samples returns an infinite sequence of samples, one per interval. Each range
// over it owns fresh analyser state, so the sequence can be restarted. Ranging
// ends when the body breaks or the subscription is detached. Detach must not be
// called from inside the range body; break out of the loop instead.
func (s *Subscription) Samples() iter.Seq[Sample] {
	return func(yield func(Sample) bool) {
		s.gate.RLock()
		if s.detached {
			s.gate.RUnlock()
			return
		}
		s.loops.Add(1)
		s.gate.RUnlock()
		defer s.loops.Done()

		m := s.monitor
		a := NewAnalyser(m.FFTSize, m.Smoothing, m.MinDecibels, m.MaxDecibels)
		defer a.Release()

		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()

		for {
			sample := a.Analyse(s.src)

			s.gate.RLock()
			if s.detached {
				s.gate.RUnlock()
				return
			}
			more := yield(sample)
			s.gate.RUnlock()
			if !more {
				return
			}

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}
}

// Detach stops every running and future iteration. After it returns no further
// sample is delivered. It is idempotent.
func (s *Subscription) Detach() {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	close(s.done)
}

// Wait blocks until every range over Samples has returned and released its
// analyser.
func (s *Subscription) Wait() {
	s.loops.Wait()
}

// Done is closed by Detach.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
