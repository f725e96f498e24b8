package pidcal

import (
	"errors"
	"fmt"
	"math"

	"go-hep.org/x/hep/hbook"
)

// ExtremumKind tags an extremum as a peak candidate or a valley boundary.
type ExtremumKind int

const (
	KindMinimum ExtremumKind = iota
	KindMaximum
)

func (k ExtremumKind) String() string {
	if k == KindMaximum {
		return "maximum"
	}
	return "minimum"
}

// Extremum is a local maximum or minimum found in the smoothed dE
// histogram of one bin. Maxima seed peak means; adjacent minima bound a
// peak's fit range. Within a bin extrema strictly alternate MIN/MAX.
type Extremum struct {
	BinID int
	Pos   float64
	Kind  ExtremumKind
	Rank  int
}

// ErrNoExtrema marks a bin without a usable maximum; the bin is skipped,
// never aborting the pipeline.
var ErrNoExtrema = errors.New("pidcal: no usable maximum")

// ScanConfig holds the extrema-detection knobs.
type ScanConfig struct {
	HistBins      int     // coarse histogram bin count
	SmoothWindow  int     // moving-average window, forced odd
	MinSeparation float64 // minimum dE distance between retained extrema
}

// ScanExtrema histograms a bin's dE values, smooths the histogram with a
// moving average, and walks the discrete derivative for sign changes:
// positive-to-negative is a MAXIMUM, negative-to-positive a MINIMUM.
// Smoothing artifacts (same-kind neighbours, extrema closer than
// MinSeparation) are merged before the sequence is returned.
func ScanExtrema(bin EnergyBin, cfg ScanConfig) ([]Extremum, error) {
	if bin.Count() == 0 {
		return nil, fmt.Errorf("%w: bin %d is empty", ErrNoExtrema, bin.ID)
	}

	lo, hi := bin.DeltaE[0], bin.DeltaE[0]
	for _, de := range bin.DeltaE[1:] {
		if de < lo {
			lo = de
		}
		if de > hi {
			hi = de
		}
	}
	if hi == lo {
		hi = lo + 1
	}
	// Nudge the upper edge so the maximum sample lands in the last bin
	// instead of the overflow.
	hi = math.Nextafter(hi, math.Inf(1))

	nb := cfg.HistBins
	if nb < 4 {
		nb = 64
	}
	h := hbook.NewH1D(nb, lo, hi)
	for _, de := range bin.DeltaE {
		h.Fill(de, 1)
	}
	ys := make([]float64, nb)
	for i := range ys {
		ys[i] = h.Value(i)
	}
	sm := movingAverage(ys, cfg.SmoothWindow)

	binWidth := (hi - lo) / float64(nb)
	center := func(i int) float64 { return lo + (float64(i)+0.5)*binWidth }

	type rawExt struct {
		pos  float64
		val  float64
		kind ExtremumKind
	}
	var raw []rawExt
	prev := 0
	for i := 1; i < nb; i++ {
		d := sm[i] - sm[i-1]
		s := 0
		switch {
		case d > 0:
			s = 1
		case d < 0:
			s = -1
		}
		if s == 0 {
			continue
		}
		if prev > 0 && s < 0 {
			raw = append(raw, rawExt{pos: center(i - 1), val: sm[i-1], kind: KindMaximum})
		}
		if prev < 0 && s > 0 {
			raw = append(raw, rawExt{pos: center(i - 1), val: sm[i-1], kind: KindMinimum})
		}
		prev = s
	}

	// Merge artifacts until the sequence is stable.
	for changed := true; changed; {
		changed = false
		for i := 0; i+1 < len(raw); i++ {
			a, b := raw[i], raw[i+1]
			if a.kind == b.kind {
				// Keep the more extreme of the pair.
				keep := a
				if (a.kind == KindMaximum && b.val > a.val) ||
					(a.kind == KindMinimum && b.val < a.val) {
					keep = b
				}
				raw[i] = keep
				raw = append(raw[:i+1], raw[i+2:]...)
				changed = true
				break
			}
			if cfg.MinSeparation > 0 && b.pos-a.pos < cfg.MinSeparation {
				// A wiggle narrower than the configured separation is
				// noise; drop the pair.
				raw = append(raw[:i], raw[i+2:]...)
				changed = true
				break
			}
		}
	}

	nMax := 0
	exts := make([]Extremum, 0, len(raw))
	for i, e := range raw {
		if e.kind == KindMaximum {
			nMax++
		}
		exts = append(exts, Extremum{BinID: bin.ID, Pos: e.pos, Kind: e.kind, Rank: i})
	}
	if nMax == 0 {
		return nil, fmt.Errorf("%w: bin %d", ErrNoExtrema, bin.ID)
	}
	logDebug("extrema scanned", "bin", bin.ID, "maxima", nMax, "extrema", len(exts))
	return exts, nil
}

// movingAverage smooths ys with a centred window; the window is forced odd
// and clamped to the slice length.
func movingAverage(ys []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	if window%2 == 0 {
		window++
	}
	if window > len(ys) {
		window = len(ys)
		if window%2 == 0 {
			window--
		}
	}
	half := window / 2
	out := make([]float64, len(ys))
	for i := range ys {
		lo, hi := i-half, i+half
		if lo < 0 {
			lo = 0
		}
		if hi > len(ys)-1 {
			hi = len(ys) - 1
		}
		sum := 0.0
		for j := lo; j <= hi; j++ {
			sum += ys[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}
