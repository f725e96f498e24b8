package pidcal

import (
	"fmt"
	"math"
)

// EnergyBin groups the dE values of all events whose E falls in
// [ELo, EHi). The last bin of a partition is closed on the right so the
// maximum-energy event is not lost.
type EnergyBin struct {
	ID     int
	ELo    float64
	EHi    float64
	DeltaE []float64
}

// Count reports the number of events in the bin.
func (b *EnergyBin) Count() int { return len(b.DeltaE) }

// Mid returns the bin's energy midpoint, the E value used when the bin's
// fitted peaks enter the global curve.
func (b *EnergyBin) Mid() float64 { return 0.5 * (b.ELo + b.EHi) }

// BinSet is the finalized partition of the observed energy range.
type BinSet struct {
	Bins []EnergyBin

	// LowStats is set when the whole dataset holds fewer events than
	// the per-bin population threshold and a single fallback bin was
	// emitted.
	LowStats bool
}

// BuildBins partitions events into energy bins: nInitial equal-width bins
// over [Emin, Emax], then a left-to-right sweep merging every bin below
// minPopulation into its right neighbour (the last bin merges left). The
// sweep order is fixed, so identical input yields bit-identical
// boundaries.
func BuildBins(events []Event, nInitial, minPopulation int) (*BinSet, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events to bin", ErrMalformedInput)
	}
	if nInitial < 1 {
		nInitial = 1
	}

	emin, emax := events[0].E, events[0].E
	for _, ev := range events[1:] {
		if ev.E < emin {
			emin = ev.E
		}
		if ev.E > emax {
			emax = ev.E
		}
	}
	// A degenerate span still has to form a valid half-open interval.
	if emax == emin {
		emax = emin + 1
	}

	if len(events) < minPopulation {
		logWarn("dataset below population threshold, emitting a single bin",
			"events", len(events), "min_population", minPopulation)
		bin := EnergyBin{ID: 0, ELo: emin, EHi: emax, DeltaE: make([]float64, 0, len(events))}
		for _, ev := range events {
			bin.DeltaE = append(bin.DeltaE, ev.DeltaE)
		}
		return &BinSet{Bins: []EnergyBin{bin}, LowStats: true}, nil
	}

	width := (emax - emin) / float64(nInitial)
	bins := make([]EnergyBin, nInitial)
	for i := range bins {
		bins[i].ELo = emin + float64(i)*width
		bins[i].EHi = emin + float64(i+1)*width
	}
	bins[nInitial-1].EHi = emax

	for _, ev := range events {
		idx := int(math.Floor((ev.E - emin) / width))
		if idx >= nInitial {
			idx = nInitial - 1
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].DeltaE = append(bins[idx].DeltaE, ev.DeltaE)
	}

	i := 0
	for len(bins) > 1 && i < len(bins) {
		if bins[i].Count() >= minPopulation {
			i++
			continue
		}
		if i == len(bins)-1 {
			// Last bin wraps into its left neighbour, which already
			// passed the threshold.
			bins[i-1].EHi = bins[i].EHi
			bins[i-1].DeltaE = append(bins[i-1].DeltaE, bins[i].DeltaE...)
			bins = bins[:i]
			continue
		}
		bins[i+1].ELo = bins[i].ELo
		bins[i+1].DeltaE = append(bins[i].DeltaE, bins[i+1].DeltaE...)
		bins = append(bins[:i], bins[i+1:]...)
	}

	for i := range bins {
		bins[i].ID = i
	}
	logDebug("binning done", "bins", len(bins), "e_min", emin, "e_max", emax)
	return &BinSet{Bins: bins}, nil
}
