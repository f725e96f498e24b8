package pidcal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

func gaussianSamples(n int, mu, sigma float64, seed uint64) []float64 {
	norm := distuv.Normal{Mu: mu, Sigma: sigma, Src: rand.New(rand.NewSource(seed))}
	out := make([]float64, n)
	for i := range out {
		out[i] = norm.Rand()
	}
	return out
}

func threePeakBin(perPeak int) EnergyBin {
	bin := EnergyBin{ID: 0, ELo: 0, EHi: 1}
	bin.DeltaE = append(bin.DeltaE, gaussianSamples(perPeak, 10, 1, 1)...)
	bin.DeltaE = append(bin.DeltaE, gaussianSamples(perPeak, 20, 1, 2)...)
	bin.DeltaE = append(bin.DeltaE, gaussianSamples(perPeak, 30, 1, 3)...)
	return bin
}

func requireAlternating(t *testing.T, exts []Extremum) {
	t.Helper()
	for i := 1; i < len(exts); i++ {
		require.NotEqual(t, exts[i-1].Kind, exts[i].Kind,
			"extrema must alternate MIN/MAX at rank %d", i)
	}
}

func TestScanExtremaThreePeaks(t *testing.T) {
	bin := threePeakBin(2000)
	exts, err := ScanExtrema(bin, ScanConfig{HistBins: 100, SmoothWindow: 5, MinSeparation: 2})
	require.NoError(t, err)
	requireAlternating(t, exts)

	var maxima []Extremum
	for _, e := range exts {
		assert.Equal(t, bin.ID, e.BinID)
		if e.Kind == KindMaximum {
			maxima = append(maxima, e)
		}
	}
	require.Len(t, maxima, 3)
	assert.InDelta(t, 10, maxima[0].Pos, 1)
	assert.InDelta(t, 20, maxima[1].Pos, 1)
	assert.InDelta(t, 30, maxima[2].Pos, 1)

	for i := 1; i < len(exts); i++ {
		assert.Greater(t, exts[i].Pos, exts[i-1].Pos, "extrema must be ordered along dE")
		assert.Equal(t, i, exts[i].Rank)
	}
}

func TestScanExtremaDeterminism(t *testing.T) {
	bin := threePeakBin(500)
	cfg := ScanConfig{HistBins: 80, SmoothWindow: 3, MinSeparation: 1}
	a, err := ScanExtrema(bin, cfg)
	require.NoError(t, err)
	b, err := ScanExtrema(bin, cfg)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestScanExtremaMonotoneHistogram(t *testing.T) {
	// Strictly rising content has no interior sign change, so no usable
	// maximum exists.
	bin := EnergyBin{ID: 4}
	for i := 0; i < 20; i++ {
		for j := 0; j <= i*3; j++ {
			bin.DeltaE = append(bin.DeltaE, float64(i))
		}
	}
	_, err := ScanExtrema(bin, ScanConfig{HistBins: 20, SmoothWindow: 1})
	require.ErrorIs(t, err, ErrNoExtrema)
}

func TestScanExtremaEmptyBin(t *testing.T) {
	_, err := ScanExtrema(EnergyBin{ID: 9}, ScanConfig{HistBins: 50, SmoothWindow: 3})
	require.ErrorIs(t, err, ErrNoExtrema)
}

func TestScanExtremaMergesCloseWiggles(t *testing.T) {
	// One broad peak plus a narrow statistical wiggle: the wiggle is
	// below the separation cut and must not survive as a second peak.
	bin := EnergyBin{ID: 2}
	bin.DeltaE = append(bin.DeltaE, gaussianSamples(5000, 15, 2, 5)...)
	exts, err := ScanExtrema(bin, ScanConfig{HistBins: 120, SmoothWindow: 3, MinSeparation: 1.5})
	require.NoError(t, err)
	requireAlternating(t, exts)

	nMax := 0
	for _, e := range exts {
		if e.Kind == KindMaximum {
			nMax++
		}
	}
	assert.Equal(t, 1, nMax)
}
