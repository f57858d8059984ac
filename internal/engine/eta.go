package engine

import (
	"fmt"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"protoscale/internal/kv"
)

// DurationsKey holds texture duration samples per settings fingerprint.
const DurationsKey = "protoScale_texture_durations"

const (
	maxDurationSamples = 5
	etaBaseSeconds     = 150
	etaFloorSeconds    = 60
	etaWindowFloor     = 30
)

var resolutionFactor = map[int]float64{512: 0.6, 768: 0.8, 1024: 1.0, 1280: 1.25, 1536: 1.5, 2048: 2.0}

// ETAWindow is an estimated duration range in seconds.
type ETAWindow struct {
	Min int
	Max int
}

func (w ETAWindow) String() string {
	return FormatDurationShort(float64(w.Min)) + " - " + FormatDurationShort(float64(w.Max))
}

// etaStore reads and writes duration samples in the shared store.
type etaStore struct {
	kv  kv.Store
	log func(error)
}

func (s etaStore) read() map[string][]float64 {
	out := map[string][]float64{}
	raw, ok, err := s.kv.Get(DurationsKey)
	if err != nil || !ok {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log(fmt.Errorf("durations: %w", err))
		return map[string][]float64{}
	}
	return out
}

func (s etaStore) samples(t TextureSettings) []float64 {
	return s.read()[t.Fingerprint()]
}

// record appends a rounded sample and keeps the last five.
func (s etaStore) record(t TextureSettings, d time.Duration) {
	all := s.read()
	key := t.Fingerprint()
	xs := append(all[key], math.Round(d.Seconds()))
	if len(xs) > maxDurationSamples {
		xs = xs[len(xs)-maxDurationSamples:]
	}
	all[key] = xs
	b, err := json.Marshal(all)
	if err != nil {
		return
	}
	if err := s.kv.Set(DurationsKey, string(b)); err != nil {
		s.log(fmt.Errorf("durations: %w", err))
	}
}

// estimate returns the mean of recorded samples, else FallbackETA.
func (s etaStore) estimate(t TextureSettings) int {
	if xs := s.samples(t); len(xs) > 0 {
		if m := int(math.Round(stat.Mean(xs, nil))); m > 0 {
			return m
		}
	}
	return FallbackETA(t)
}

// window spans the recorded samples widened by 20% on each side; without
// samples it is the estimate ±20%.
func (s etaStore) window(t TextureSettings) ETAWindow {
	lo, hi := float64(FallbackETA(t)), float64(FallbackETA(t))
	if xs := s.samples(t); len(xs) > 0 {
		lo, hi = floats.Min(xs), floats.Max(xs)
	}
	w := ETAWindow{Min: int(math.Round(lo * 0.8)), Max: int(math.Round(hi * 1.2))}
	if w.Min < etaWindowFloor {
		w.Min = etaWindowFloor
	}
	if w.Max < w.Min {
		w.Max = w.Min
	}
	return w
}

// FallbackETA is the parametric estimate in seconds used without samples.
func FallbackETA(t TextureSettings) int {
	rf, ok := resolutionFactor[t.Resolution]
	if !ok {
		rf = 1.0
	}
	views := float64(t.NumViews) / 4
	paint := 0.85
	if t.ApplyPaint {
		paint = 1.0
	}
	est := int(math.Round(etaBaseSeconds * rf * views * paint))
	if est < etaFloorSeconds {
		return etaFloorSeconds
	}
	return est
}

// FormatDurationShort renders seconds as "45s", "2m" or "2m 5s".
func FormatDurationShort(seconds float64) string {
	total := int(math.Round(math.Max(0, seconds)))
	m, r := total/60, total%60
	switch {
	case m == 0:
		return fmt.Sprintf("%ds", r)
	case r == 0:
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm %ds", m, r)
}
