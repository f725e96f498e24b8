package pidcal

import (
	"errors"
	"fmt"
	"math"

	"go-hep.org/x/hep/fit"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/optimize"
)

// GlobalCurveModel is the Bethe-Bloch style energy-loss curve fitted
// across all bins and charges. Only the global refiner mutates it.
type GlobalCurveModel struct {
	Params    []float64
	Errs      []float64
	Iteration int
	Converged bool
}

// Predict returns the curve's mean dE for an event of energy e and ion
// charge z.
func (m GlobalCurveModel) Predict(e float64, z int) float64 {
	return betheBloch(e, z, m.Params)
}

// NSigma reports how many widths an observed dE lies from the curve's
// prediction for (e, z), the discriminator used to attribute an event to
// an ion species. The width is the fitted peak width of the matching bin.
func (m GlobalCurveModel) NSigma(e, de float64, z int, width float64) float64 {
	if width <= 0 {
		return math.Inf(1)
	}
	return (de - m.Predict(e, z)) / width
}

// ErrInsufficientPeaks is reported when too few converged peak means
// exist to constrain the global curve.
var ErrInsufficientPeaks = errors.New("pidcal: not enough converged peaks for the global fit")

// BinRefitter re-fits one bin under an updated global curve. The global
// refiner requests re-fit passes through this interface and never touches
// PeakFitResult directly.
type BinRefitter interface {
	RefitBin(bin EnergyBin, exts []Extremum, curve GlobalCurveModel, charges []int, iteration int) []PeakFitResult
}

// Refiner drives the fixed-point iteration: fit the global curve to the
// current peak means, re-fit all bins with the updated curve as a prior,
// and repeat until the parameter deltas drop below Tolerance or MaxIter
// is exhausted.
type Refiner struct {
	Tolerance float64
	MaxIter   int
	Charges   []int
	Workers   int
}

// NewRefiner builds a Refiner from the run configuration.
func NewRefiner(cfg Config) *Refiner {
	return &Refiner{
		Tolerance: cfg.RefineTolerance,
		MaxIter:   cfg.RefineMaxIter,
		Charges:   cfg.Charges,
		Workers:   cfg.Workers,
	}
}

type curvePoint struct {
	e    float64
	z    int
	mean float64
	err  float64
}

// Run iterates global fit and per-bin re-fit passes. Bins without extrema
// keep their skipped results and are excluded from re-fitting. The final
// model is returned together with the latest per-bin fit results; a model
// that never converged is retained and flagged, not discarded.
func (rf *Refiner) Run(bins []EnergyBin, extsByBin map[int][]Extremum, fits map[int][]PeakFitResult, ft BinRefitter) (GlobalCurveModel, map[int][]PeakFitResult, error) {
	// Params stays nil until a global fit has actually succeeded, so a
	// run that never fit anything is distinguishable from a fitted curve.
	var model GlobalCurveModel
	seed := []float64{1, 1, 0}
	var prev []float64

	for iter := 1; iter <= rf.MaxIter; iter++ {
		pts := collectPoints(bins, fits, rf.Charges)
		if len(pts) < len(seed) {
			model.Iteration = iter
			return model, fits, fmt.Errorf("%w: %d point(s)", ErrInsufficientPeaks, len(pts))
		}

		params, perrs, err := fitGlobalCurve(pts, seed)
		if err != nil {
			model.Iteration = iter
			return model, fits, fmt.Errorf("pidcal: global curve fit: %w", err)
		}
		model.Params, model.Errs, model.Iteration = params, perrs, iter
		seed = params

		delta := paramDelta(prev, params)
		logInfo("global refinement pass", "iteration", iter, "delta", delta,
			"p0", params[0], "p1", params[1], "p2", params[2])
		if delta <= rf.Tolerance {
			model.Converged = true
			return model, fits, nil
		}
		prev = append(prev[:0], params...)

		if iter == rf.MaxIter {
			break
		}

		// Re-fit every usable bin under the updated curve; each bin is
		// an independent unit of work.
		next := make(map[int][]PeakFitResult, len(fits))
		var g errgroup.Group
		g.SetLimit(rf.workers())
		results := make([][]PeakFitResult, len(bins))
		for i := range bins {
			bin := bins[i]
			exts, usable := extsByBin[bin.ID]
			if !usable {
				continue
			}
			i := i
			g.Go(func() error {
				results[i] = ft.RefitBin(bin, exts, model, rf.Charges, iter)
				return nil
			})
		}
		g.Wait()
		for i := range bins {
			id := bins[i].ID
			if results[i] != nil {
				next[id] = results[i]
			} else {
				next[id] = fits[id]
			}
		}
		fits = next
	}

	logWarn("global refinement did not converge", "iterations", rf.MaxIter,
		"tolerance", rf.Tolerance)
	return model, fits, nil
}

func (rf *Refiner) workers() int {
	if rf.Workers < 1 {
		return 1
	}
	return rf.Workers
}

func collectPoints(bins []EnergyBin, fits map[int][]PeakFitResult, charges []int) []curvePoint {
	var pts []curvePoint
	for i := range bins {
		for _, res := range fits[bins[i].ID] {
			if res.Status != StatusConverged {
				continue
			}
			pts = append(pts, curvePoint{
				e:    bins[i].Mid(),
				z:    chargeFor(charges, res.PeakIndex),
				mean: res.Mean,
				err:  res.MeanErr,
			})
		}
	}
	return pts
}

// fitGlobalCurve least-squares fits the curve to all (E, Z, mean) points
// at once. The abscissa handed to the fit indexes the flattened point
// list, since each point carries its own (E, Z) pair.
func fitGlobalCurve(pts []curvePoint, init []float64) (params, errs []float64, err error) {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	yerrs := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = float64(i)
		ys[i] = p.mean
		yerrs[i] = p.err
		if yerrs[i] <= 0 {
			yerrs[i] = 1
		}
	}

	seed := make([]float64, len(init))
	copy(seed, init)
	res, err := fit.Curve1D(
		fit.Func1D{
			F: func(x float64, ps []float64) float64 {
				p := pts[int(x)]
				return betheBloch(p.e, p.z, ps)
			},
			X:   xs,
			Y:   ys,
			Err: yerrs,
			Ps:  seed,
		},
		nil, &optimize.NelderMead{},
	)
	if err != nil {
		return nil, nil, err
	}
	if err := res.Status.Err(); err != nil {
		return nil, nil, err
	}

	params = append([]float64(nil), res.X...)
	chi2half := func(ps []float64) float64 {
		sum := 0.0
		for i, p := range pts {
			r := (ys[i] - betheBloch(p.e, p.z, ps)) / yerrs[i]
			sum += r * r
		}
		return 0.5 * sum
	}
	return params, curvatureErrors(chi2half, params), nil
}

// paramDelta is the convergence metric: the largest relative parameter
// change versus the previous iteration.
func paramDelta(prev, cur []float64) float64 {
	if prev == nil {
		return math.Inf(1)
	}
	delta := 0.0
	for i := range cur {
		scale := math.Max(math.Abs(cur[i]), 1)
		if d := math.Abs(cur[i]-prev[i]) / scale; d > delta {
			delta = d
		}
	}
	return delta
}
