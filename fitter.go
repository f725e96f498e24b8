package pidcal

import (
	"math"
	"sort"

	"go-hep.org/x/hep/hbook"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

// FitStatus records the outcome of one peak fit.
type FitStatus int

const (
	StatusConverged FitStatus = iota
	StatusFailed
	StatusSkippedLowStats
)

func (s FitStatus) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusFailed:
		return "failed"
	default:
		return "skipped_low_statistics"
	}
}

// PeakFitResult is the fit of one candidate peak in one energy bin. The
// peak index is a proxy for the ion charge Z via the configured charge
// list.
type PeakFitResult struct {
	BinID     int
	PeakIndex int
	Iteration int

	Mean     float64
	MeanErr  float64
	Width    float64
	WidthErr float64

	Status FitStatus

	NLL    float64
	Chi2   float64
	NDof   int
	PValue float64

	RangeLo float64
	RangeHi float64
}

// Fitter fits the configured peak model to each candidate peak of a bin.
type Fitter struct {
	Model       PeakModel
	RetryBudget int
	// MinSamples is the smallest in-range sample count still worth
	// fitting; below it the peak is skipped, not failed.
	MinSamples int
	// QABins is the bin count of the projection used for the chi2/ndof
	// goodness-of-fit.
	QABins int
}

// NewFitter builds a Fitter from the run configuration.
func NewFitter(cfg Config) *Fitter {
	return &Fitter{
		Model:       NewPeakModel(cfg.FitModel),
		RetryBudget: cfg.FitRetryBudget,
		MinSamples:  20,
		QABins:      cfg.ExtremaHistBins,
	}
}

// FitBin produces one PeakFitResult per MAXIMUM in exts. Seeds and fit
// ranges come from the extrema: the mean seed is the maximum's position,
// the width seed half the distance to the nearest adjacent minimum, and
// the range spans the bounding minima (or the sample extremes where no
// minimum exists on a side).
func (ft *Fitter) FitBin(bin EnergyBin, exts []Extremum) []PeakFitResult {
	sampleLo, sampleHi := sampleSpan(bin.DeltaE)

	var results []PeakFitResult
	peak := 0
	for i, e := range exts {
		if e.Kind != KindMaximum {
			continue
		}
		lo, hi := sampleLo, sampleHi
		if i > 0 && exts[i-1].Kind == KindMinimum {
			lo = exts[i-1].Pos
		}
		if i < len(exts)-1 && exts[i+1].Kind == KindMinimum {
			hi = exts[i+1].Pos
		}
		width := seedWidth(e.Pos, lo, hi)
		results = append(results, ft.fitPeak(bin, peak, e.Pos, width, lo, hi))
		peak++
	}
	return results
}

// RefitBin re-fits every peak of a bin with the fit range re-centred on
// the global curve's prediction for the bin's (E, Z), used by the global
// refiner to improve convergence for low-statistics bins. Predictions
// falling outside the bin's sample span fall back to the extrema-derived
// range.
func (ft *Fitter) RefitBin(bin EnergyBin, exts []Extremum, curve GlobalCurveModel, charges []int, iteration int) []PeakFitResult {
	sampleLo, sampleHi := sampleSpan(bin.DeltaE)

	var results []PeakFitResult
	peak := 0
	for i, e := range exts {
		if e.Kind != KindMaximum {
			continue
		}
		lo, hi := sampleLo, sampleHi
		if i > 0 && exts[i-1].Kind == KindMinimum {
			lo = exts[i-1].Pos
		}
		if i < len(exts)-1 && exts[i+1].Kind == KindMinimum {
			hi = exts[i+1].Pos
		}
		mean := e.Pos
		width := seedWidth(e.Pos, lo, hi)

		pred := curve.Predict(bin.Mid(), chargeFor(charges, peak))
		if pred > sampleLo && pred < sampleHi {
			mean = pred
			lo = math.Max(sampleLo, pred-3*width)
			hi = math.Min(sampleHi, pred+3*width)
		}

		res := ft.fitPeak(bin, peak, mean, width, lo, hi)
		res.Iteration = iteration
		results = append(results, res)
		peak++
	}
	return results
}

// SkippedResult is the single record written for a bin whose extrema scan
// found no usable maximum.
func SkippedResult(binID int) PeakFitResult {
	return PeakFitResult{BinID: binID, Status: StatusSkippedLowStats}
}

func (ft *Fitter) fitPeak(bin EnergyBin, peak int, seedMean, width, lo, hi float64) PeakFitResult {
	res := PeakFitResult{BinID: bin.ID, PeakIndex: peak, RangeLo: lo, RangeHi: hi}
	span := hi - lo

	for attempt := 0; attempt <= ft.RetryBudget; attempt++ {
		samples := inRange(bin.DeltaE, lo, hi)
		if len(samples) < ft.MinSamples {
			res.Status = StatusSkippedLowStats
			res.RangeLo, res.RangeHi = lo, hi
			return res
		}

		nll := func(ps []float64) float64 {
			sum := 0.0
			for _, x := range samples {
				p := ft.Model.PDF(x, ps)
				if p <= 0 || math.IsNaN(p) {
					p = 1e-300
				}
				sum -= math.Log(p)
			}
			return sum
		}

		ps, fval, ok := minimizeNLL(nll, ft.Model.Seed(seedMean, width))
		if ok {
			mean, w := ft.Model.MeanWidth(ps)
			// A mean escaping the fit range counts as non-convergence.
			if !math.IsNaN(mean) && mean >= lo && mean < hi {
				errs := curvatureErrors(nll, ps)
				res.Mean, res.Width = mean, w
				res.MeanErr, res.WidthErr = ft.Model.MeanWidthErr(ps, errs)
				res.NLL = fval
				res.RangeLo, res.RangeHi = lo, hi
				res.Status = StatusConverged
				ft.goodness(&res, samples, ps, lo, hi)
				return res
			}
		}

		// Widen by a fraction of the original range and retry.
		lo -= 0.25 * span
		hi += 0.25 * span
		logDebug("fit retry", "bin", bin.ID, "peak", peak, "attempt", attempt+1,
			"range_lo", lo, "range_hi", hi)
	}

	res.Status = StatusFailed
	return res
}

// minimizeNLL runs a Nelder-Mead minimisation of the negative
// log-likelihood; the optimizer's own iteration cap bounds a hung fit.
func minimizeNLL(nll func([]float64) float64, seed []float64) ([]float64, float64, bool) {
	problem := optimize.Problem{Func: nll}
	result, err := optimize.Minimize(problem, seed, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, 0, false
	}
	if err := result.Status.Err(); err != nil {
		return nil, 0, false
	}
	for _, p := range result.X {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, 0, false
		}
	}
	return result.X, result.F, true
}

// curvatureErrors estimates per-parameter uncertainties from the numeric
// curvature of the objective at its minimum (1/sqrt of the diagonal
// second derivative).
func curvatureErrors(f func([]float64) float64, ps []float64) []float64 {
	errs := make([]float64, len(ps))
	f0 := f(ps)
	work := make([]float64, len(ps))
	for i := range ps {
		h := 1e-4 * math.Abs(ps[i])
		if h == 0 {
			h = 1e-6
		}
		copy(work, ps)
		work[i] = ps[i] + h
		fp := f(work)
		work[i] = ps[i] - h
		fm := f(work)
		curv := (fp - 2*f0 + fm) / (h * h)
		if curv > 0 {
			errs[i] = 1 / math.Sqrt(curv)
		}
	}
	return errs
}

// goodness fills the chi2/ndof and p-value of a converged fit from a
// binned projection of the samples against the fitted model.
func (ft *Fitter) goodness(res *PeakFitResult, samples []float64, ps []float64, lo, hi float64) {
	nb := ft.QABins
	if nb < 4 {
		nb = 50
	}
	h := hbook.NewH1D(nb, lo, math.Nextafter(hi, math.Inf(1)))
	for _, x := range samples {
		h.Fill(x, 1)
	}

	n := float64(len(samples))
	binWidth := (hi - lo) / float64(nb)
	chi2 := 0.0
	used := 0
	for i := 0; i < nb; i++ {
		center := lo + (float64(i)+0.5)*binWidth
		expected := n * ft.Model.PDF(center, ps) * binWidth
		if expected < 1e-6 {
			continue
		}
		obs := h.Value(i)
		chi2 += (obs - expected) * (obs - expected) / expected
		used++
	}
	ndof := used - ft.Model.NumParams()
	if ndof < 1 {
		return
	}
	res.Chi2 = chi2
	res.NDof = ndof
	res.PValue = distuv.ChiSquared{K: float64(ndof)}.Survival(chi2)
}

func sampleSpan(de []float64) (lo, hi float64) {
	lo, hi = de[0], de[0]
	for _, v := range de[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	hi = math.Nextafter(hi, math.Inf(1))
	return lo, hi
}

func seedWidth(pos, lo, hi float64) float64 {
	// Half the distance to the nearest bounding extremum, with a
	// quarter-range floor for peaks without a usable minimum nearby.
	d := math.Min(pos-lo, hi-pos)
	if d <= 0 {
		d = 0.25 * (hi - lo)
	}
	w := 0.5 * d
	if w <= 0 {
		w = 1
	}
	return w
}

func inRange(de []float64, lo, hi float64) []float64 {
	out := make([]float64, 0, len(de))
	for _, v := range de {
		if v >= lo && v < hi {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

func chargeFor(charges []int, peak int) int {
	if peak < len(charges) {
		return charges[peak]
	}
	if len(charges) == 0 {
		return peak + 1
	}
	return charges[len(charges)-1]
}
