package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Negotiation stages observed by the session negotiator.
const (
	StageMediaAccess    = "media_access"
	StageTransport      = "transport"
	StageOffer          = "offer"
	StageCredential     = "credential"
	StageSDPExchange    = "sdp_exchange"
	StageEstablishTotal = "establish_total"
)

// negotiationStages lists stages in the order a negotiation runs them, with
// the p95 latency budget shown next to each one. Zero means no budget.
var negotiationStages = []struct {
	name      string
	targetP95 float64
}{
	{StageMediaAccess, 300},
	{StageTransport, 0},
	{StageOffer, 1500},
	{StageCredential, 800},
	{StageSDPExchange, 1200},
	{StageEstablishTotal, 4000},
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts a discrete negotiation outcome such as "superseded".
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent durations of every negotiation stage.
// Each stage owns a slot in samples indexed like negotiationStages.
type stageWindow struct {
	mu       sync.Mutex
	capacity int
	samples  [][]float64
	written  []int
	outcomes map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity: capacity,
		samples:  make([][]float64, len(negotiationStages)),
		written:  make([]int, len(negotiationStages)),
		outcomes: make(map[string]int),
	}
}

func stageIndex(stage string) int {
	for i, s := range negotiationStages {
		if s.name == stage {
			return i
		}
	}
	return -1
}

// Observe ignores stages the negotiator does not run and negative durations.
func (w *stageWindow) Observe(stage string, ms float64) {
	i := stageIndex(stage)
	if i < 0 || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples[i]) < w.capacity {
		w.samples[i] = append(w.samples[i], ms)
	} else {
		w.samples[i][w.written[i]%w.capacity] = ms
	}
	w.written[i]++
}

func (w *stageWindow) ObserveIndicator(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

// Snapshot reports stages in pipeline order and indicators by name.
func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      []StageStats{},
	}
	for i, def := range negotiationStages {
		window := w.samples[i]
		if len(window) == 0 {
			continue
		}
		last := window[(w.written[i]-1)%w.capacity]
		ordered := slices.Clone(window)
		slices.Sort(ordered)
		var total float64
		for _, v := range ordered {
			total += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       def.name,
			Samples:     len(ordered),
			LastMS:      toHundredths(last),
			AvgMS:       toHundredths(total / float64(len(ordered))),
			P50MS:       toHundredths(nearestRank(ordered, 50)),
			P95MS:       toHundredths(nearestRank(ordered, 95)),
			P99MS:       toHundredths(nearestRank(ordered, 99)),
			TargetP95MS: def.targetP95,
		})
	}

	for name, count := range w.outcomes {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	slices.SortFunc(snap.Indicators, func(a, b Indicator) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return snap
}

// nearestRank returns the smallest sample with at least pct percent of the
// window at or below it. ordered must be sorted and non-empty.
func nearestRank(ordered []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(ordered))))
	if rank < 1 {
		rank = 1
	}
	return ordered[rank-1]
}

func toHundredths(v float64) float64 {
	return math.Round(v*100) / 100
}
