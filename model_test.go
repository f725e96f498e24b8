package pidcal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func integrate(f func(float64) float64, lo, hi float64, n int) float64 {
	step := (hi - lo) / float64(n)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += f(lo + (float64(i)+0.5)*step)
	}
	return sum * step
}

func TestGaussianMatchesNormal(t *testing.T) {
	g := Gaussian{}
	ps := g.Seed(2.5, 0.4)
	require.Len(t, ps, g.NumParams())

	norm := distuv.Normal{Mu: 2.5, Sigma: 0.4}
	for _, x := range []float64{1, 2, 2.5, 3, 4} {
		assert.InDelta(t, norm.Prob(x), g.PDF(x, ps), 1e-12)
	}

	mean, width := g.MeanWidth([]float64{2.5, -0.4})
	assert.Equal(t, 2.5, mean)
	assert.Equal(t, 0.4, width, "sigma is reported as a magnitude")
}

func TestGaussianDegenerateSigma(t *testing.T) {
	assert.Zero(t, Gaussian{}.PDF(1, []float64{1, 0}))
}

func TestLandauPDFNormalisation(t *testing.T) {
	// The Landau density integrates to one; the long tail carries a few
	// percent beyond any finite window, so the cut-off integral lands
	// just below unity.
	xi := 0.3
	got := integrate(func(x float64) float64 { return landauPDF(x, xi, 0) }, -5, 200, 200000)
	assert.InDelta(t, 1.0, got, 0.05)
	assert.Less(t, got, 1.0)
}

func TestLandauPDFPeakLocation(t *testing.T) {
	// The bare Landau peaks at x0 + mpshift*xi with mpshift = -0.22278298.
	xi := 0.5
	x0 := 3.0
	best, bestVal := 0.0, 0.0
	for x := x0 - 2; x < x0+2; x += 1e-4 {
		if v := landauPDF(x, xi, x0); v > bestVal {
			best, bestVal = x, v
		}
	}
	assert.InDelta(t, x0+landauMPShift*xi, best, 1e-2)
}

func TestLandauPDFTails(t *testing.T) {
	assert.Zero(t, landauPDF(1, 0, 0), "non-positive width")
	assert.Zero(t, landauPDF(-100, 1, 0), "deep negative tail underflows to zero")
	assert.Greater(t, landauPDF(100, 1, 0), 0.0, "positive tail is long")
}

func TestLanGaussPeakAndNormalisation(t *testing.T) {
	lg := LanGauss{}
	ps := []float64{5, 0.3, 0.4}

	got := integrate(func(x float64) float64 { return lg.PDF(x, ps) }, -5, 300, 30000)
	assert.InDelta(t, 1.0, got, 0.05)

	// The convolution is parameterised so the most probable value stays
	// at ps[0].
	best, bestVal := 0.0, 0.0
	for x := 3.0; x < 7; x += 1e-3 {
		if v := lg.PDF(x, ps); v > bestVal {
			best, bestVal = x, v
		}
	}
	assert.InDelta(t, 5.0, best, 0.1)
}

func TestLanGaussWidths(t *testing.T) {
	lg := LanGauss{}
	_, width := lg.MeanWidth([]float64{5, 0.3, 0.4})
	assert.InDelta(t, math.Hypot(0.3, 0.4), width, 1e-12)

	ps := lg.Seed(5, 1)
	require.Len(t, ps, lg.NumParams())
	assert.Equal(t, 5.0, ps[0])

	assert.Zero(t, lg.PDF(5, []float64{5, 0, 0.4}))
	assert.Zero(t, lg.PDF(5, []float64{5, 0.3, 0}))
}

func TestNewPeakModel(t *testing.T) {
	assert.Equal(t, "gaussian", NewPeakModel(ModelGaussian).Name())
	assert.Equal(t, "langauss", NewPeakModel(ModelLanGauss).Name())
}

func TestBetheBlochShape(t *testing.T) {
	ps := []float64{5, 1, 0.5}
	assert.InDelta(t, 5.5, betheBloch(1, 1, ps), 1e-12)
	assert.InDelta(t, 5*4+0.5, betheBloch(1, 2, ps), 1e-12, "Z^2 scaling")
	assert.Greater(t, betheBloch(1, 1, ps), betheBloch(10, 1, ps),
		"energy loss falls with rising energy")
}
