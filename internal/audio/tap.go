// Package audio turns live PCM streams into level and spectrum samples for
// visualization.
package audio

import (
	"math"
	"sync"
)

// Source is a live PCM stream the monitor can sample.
type Source interface {
	// Window fills dst with the most recent samples in [-1, 1], oldest first,
	// zero-padding the front when less history exists. It returns the number of
	// real samples copied.
	Window(dst []float64) int
}

// Tap keeps the most recent samples written to a stream. It is safe for one
// writer and any number of readers.
type Tap struct {
	mu     sync.Mutex
	ring   []float64
	next   int
	filled bool
}

// NewTap allocates a tap holding capacity samples.
func NewTap(capacity int) *Tap {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Tap{ring: make([]float64, capacity)}
}

// Write appends one PCM frame.
func (t *Tap) Write(frame []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range frame {
		t.ring[t.next] = float64(s) / -math.MinInt16
		t.next++
		if t.next == len(t.ring) {
			t.next = 0
			t.filled = true
		}
	}
}

func (t *Tap) Window(dst []float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	avail := t.next
	if t.filled {
		avail = len(t.ring)
	}
	n := min(len(dst), avail)
	pad := len(dst) - n
	clear(dst[:pad])

	start := t.next - n
	if start < 0 {
		start += len(t.ring)
	}
	for i := 0; i < n; i++ {
		dst[pad+i] = t.ring[(start+i)%len(t.ring)]
	}
	return n
}

// Reset drops all buffered history.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.next = 0
	t.filled = false
}
