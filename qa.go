package pidcal

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"go-hep.org/x/hep/hbook"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Reporter renders QA plots from fit results. It is read-only: it never
// mutates the bins, fits or archive records handed to it, and rendering
// failures are reported to the caller as warnings, never gating the run.
type Reporter struct {
	Dir   string
	Model PeakModel
	Bins  int // histogram bins for overlays
}

// NewReporter builds a Reporter from the run configuration; a nil
// reporter is returned when QA output is disabled.
func NewReporter(cfg Config) *Reporter {
	if cfg.QADir == "" {
		return nil
	}
	return &Reporter{Dir: cfg.QADir, Model: NewPeakModel(cfg.FitModel), Bins: cfg.ExtremaHistBins}
}

var qaColors = []color.RGBA{
	{A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, B: 127, G: 127, A: 255},
}

// BinOverlay draws a bin's dE histogram with the fitted model curve of
// every converged peak and returns the written file path.
func (r *Reporter) BinOverlay(bin EnergyBin, fits []PeakFitResult) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", err
	}

	lo, hi := sampleSpan(bin.DeltaE)
	nb := r.Bins
	if nb < 4 {
		nb = 50
	}
	hist := hbook.NewH1D(nb, lo, hi)
	for _, de := range bin.DeltaE {
		hist.Fill(de, 1)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("bin %d  E in [%.3g, %.3g)", bin.ID, bin.ELo, bin.EHi)
	p.X.Label.Text = "dE"
	p.Y.Label.Text = "Entries"
	p.X.Tick.Marker = PreciseTicks{NSuggestedTicks: 5}
	p.Y.Tick.Marker = PreciseTicks{NSuggestedTicks: 5}

	h := hplot.NewH1D(hist)
	h.FillColor = nil
	p.Add(h)

	binWidth := (hi - lo) / float64(nb)
	for i, f := range fits {
		if f.Status != StatusConverged {
			continue
		}
		f := f
		n := float64(len(inRange(bin.DeltaE, f.RangeLo, f.RangeHi)))
		ps := r.modelParams(f)
		fn := plotter.NewFunction(func(x float64) float64 {
			if x < f.RangeLo || x >= f.RangeHi {
				return 0
			}
			return n * binWidth * r.Model.PDF(x, ps)
		})
		fn.Color = qaColors[i%len(qaColors)]
		fn.Samples = 200
		p.Add(fn)
		p.Legend.Add(fmt.Sprintf("Z peak %d: mean %.3g +- %.2g, chi2/ndf %.2f",
			f.PeakIndex, f.Mean, f.MeanErr, chi2OverNDof(f)), fn)
	}
	p.Legend.Top = true

	out := filepath.Join(r.Dir, fmt.Sprintf("bin%03d.png", bin.ID))
	if err := p.Save(6*vg.Inch, 4*vg.Inch, out); err != nil {
		return "", err
	}
	return out, nil
}

// GlobalCurve draws every converged peak mean with its error bars and the
// refined curve per charge.
func (r *Reporter) GlobalCurve(bins []EnergyBin, fits map[int][]PeakFitResult, model GlobalCurveModel, charges []int) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("global energy-loss curve (iteration %d)", model.Iteration)
	p.X.Label.Text = "E"
	p.Y.Label.Text = "dE"
	p.X.Tick.Marker = PreciseTicks{NSuggestedTicks: 5}
	p.Y.Tick.Marker = PreciseTicks{NSuggestedTicks: 5}

	byCharge := make(map[int]plotter.XYs)
	errsByCharge := make(map[int]plotter.YErrors)
	var emin, emax float64
	for i := range bins {
		bin := &bins[i]
		if i == 0 {
			emin, emax = bin.ELo, bin.EHi
		}
		emin = math.Min(emin, bin.ELo)
		emax = math.Max(emax, bin.EHi)
		for _, f := range fits[bin.ID] {
			if f.Status != StatusConverged {
				continue
			}
			z := chargeFor(charges, f.PeakIndex)
			byCharge[z] = append(byCharge[z], plotter.XY{X: bin.Mid(), Y: f.Mean})
			errsByCharge[z] = append(errsByCharge[z], struct{ Low, High float64 }{f.MeanErr, f.MeanErr})
		}
	}

	for ci, z := range charges {
		pts, ok := byCharge[z]
		if !ok {
			continue
		}
		errPoints := plotutil.ErrorPoints{
			XYs:     pts,
			XErrors: make(plotter.XErrors, len(pts)),
			YErrors: errsByCharge[z],
		}
		yerr, err := plotter.NewYErrorBars(errPoints)
		if err != nil {
			return "", err
		}
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return "", err
		}
		c := qaColors[ci%len(qaColors)]
		yerr.LineStyle.Color = c
		scatter.GlyphStyle.Color = c
		p.Add(scatter, yerr)

		z := z
		fn := plotter.NewFunction(func(e float64) float64 {
			return model.Predict(e, z)
		})
		fn.Color = c
		fn.Samples = 200
		p.Add(fn)
		p.Legend.Add(fmt.Sprintf("Z = %d", z), scatter)
	}
	p.X.Min, p.X.Max = emin, emax
	p.Legend.Top = true

	out := filepath.Join(r.Dir, "global_curve.png")
	if err := p.Save(6*vg.Inch, 4*vg.Inch, out); err != nil {
		return "", err
	}
	return out, nil
}

// modelParams rebuilds the model parameter vector from a stored result.
// The reported mean and width are enough for both peak models up to the
// internal split of the LanGauss widths, which the overlay splits evenly.
func (r *Reporter) modelParams(f PeakFitResult) []float64 {
	if r.Model.NumParams() == 2 {
		return []float64{f.Mean, f.Width}
	}
	w := f.Width / math.Sqrt2
	return []float64{f.Mean, w, w}
}

func chi2OverNDof(f PeakFitResult) float64 {
	if f.NDof == 0 {
		return 0
	}
	return f.Chi2 / float64(f.NDof)
}
