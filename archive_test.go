package pidcal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "pidcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchiveStoreLoadRoundTrip(t *testing.T) {
	a := tempArchive(t)

	bin := EnergyBin{ID: 3, ELo: 1.5, EHi: 2.5, DeltaE: []float64{0.5, 0.75, 1.25}}
	fits := []PeakFitResult{
		{BinID: 3, PeakIndex: 0, Mean: 0.6, MeanErr: 0.02, Width: 0.1, WidthErr: 0.01,
			Status: StatusConverged, NLL: 12.5, Chi2: 40, NDof: 38, PValue: 0.38,
			RangeLo: 0.3, RangeHi: 0.9},
		{BinID: 3, PeakIndex: 1, Status: StatusFailed, RangeLo: 0.9, RangeHi: 1.5},
	}
	require.NoError(t, a.Store(bin, fits, []string{"qa/bin_003.png"}))

	rec, err := a.Load(3)
	require.NoError(t, err)
	assert.Equal(t, bin, rec.Bin)
	assert.Equal(t, []string{"qa/bin_003.png"}, rec.QAArtifacts)
	require.Len(t, rec.Fits, 2)
	assert.Equal(t, fits[0], rec.Fits[0])
	assert.Equal(t, fits[1], rec.Fits[1])
}

func TestArchiveStoreIsIdempotent(t *testing.T) {
	a := tempArchive(t)

	bin := EnergyBin{ID: 1, ELo: 0, EHi: 1, DeltaE: []float64{1, 2}}
	fit := PeakFitResult{BinID: 1, Mean: 1.4, Status: StatusConverged}
	require.NoError(t, a.Store(bin, []PeakFitResult{fit}, nil))

	// Second store for the same bin and iteration overwrites, never
	// duplicates.
	bin.DeltaE = []float64{1, 2, 3}
	fit.Mean = 1.6
	require.NoError(t, a.Store(bin, []PeakFitResult{fit}, nil))

	rec, err := a.Load(1)
	require.NoError(t, err)
	require.Len(t, rec.Fits, 1)
	assert.Equal(t, 1.6, rec.Fits[0].Mean)
	assert.Equal(t, []float64{1, 2, 3}, rec.Bin.DeltaE)
}

func TestArchiveLoadReturnsLatestIteration(t *testing.T) {
	a := tempArchive(t)

	bin := EnergyBin{ID: 2, ELo: 0, EHi: 1, DeltaE: []float64{5}}
	first := PeakFitResult{BinID: 2, Iteration: 0, Mean: 5.1, Status: StatusConverged}
	second := PeakFitResult{BinID: 2, Iteration: 3, Mean: 5.05, Status: StatusConverged}
	require.NoError(t, a.Store(bin, []PeakFitResult{first, second}, nil))

	rec, err := a.Load(2)
	require.NoError(t, err)
	require.Len(t, rec.Fits, 1)
	assert.Equal(t, 3, rec.Fits[0].Iteration)
	assert.Equal(t, 5.05, rec.Fits[0].Mean)
}

func TestArchiveLoadMissingBin(t *testing.T) {
	a := tempArchive(t)
	_, err := a.Load(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveGlobalModelRoundTrip(t *testing.T) {
	a := tempArchive(t)

	_, err := a.LoadGlobalModel()
	require.ErrorIs(t, err, ErrNotFound)

	early := GlobalCurveModel{Params: []float64{4, 1, 0}, Errs: []float64{0.2, 0.05, 0.1}, Iteration: 1}
	late := GlobalCurveModel{Params: []float64{5, 1.1, 0.4}, Errs: []float64{0.1, 0.02, 0.05}, Iteration: 4, Converged: true}
	require.NoError(t, a.StoreGlobalModel(early))
	require.NoError(t, a.StoreGlobalModel(late))

	got, err := a.LoadGlobalModel()
	require.NoError(t, err)
	assert.Equal(t, late, got, "the highest iteration wins")
}

func TestArchiveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pidcal.db")
	a, err := OpenArchive(path)
	require.NoError(t, err)
	bin := EnergyBin{ID: 0, ELo: 0, EHi: 1, DeltaE: []float64{0.25}}
	require.NoError(t, a.Store(bin, nil, nil))
	require.NoError(t, a.Close())

	b, err := OpenArchive(path)
	require.NoError(t, err)
	defer b.Close()
	rec, err := b.Load(0)
	require.NoError(t, err)
	assert.Equal(t, bin, rec.Bin)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusConverged, parseStatus("converged"))
	assert.Equal(t, StatusFailed, parseStatus("failed"))
	assert.Equal(t, StatusSkippedLowStats, parseStatus("skipped_low_statistics"))
}
