package pidcal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// writeSyntheticRun produces a CSV event file whose dE follows the
// energy-loss curve with the given parameters plus Gaussian smearing.
func writeSyntheticRun(t *testing.T, n int, truth []float64, sigma float64, seed uint64) string {
	t.Helper()
	src := rand.New(rand.NewSource(seed))
	energy := distuv.Uniform{Min: 1, Max: 5, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}

	var sb strings.Builder
	sb.WriteString("# E, dE\n")
	for i := 0; i < n; i++ {
		e := energy.Rand()
		de := betheBloch(e, 1, truth) + noise.Rand()
		fmt.Fprintf(&sb, "%.6f,%.6f\n", e, de)
	}
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func syntheticConfig(t *testing.T, events string) Config {
	cfg := DefaultConfig()
	cfg.Input.Path = events
	cfg.FitModel = ModelGaussian
	cfg.NInitialBins = 8
	cfg.MinPopulation = 200
	cfg.ExtremaHistBins = 60
	cfg.SmoothWindow = 5
	cfg.PeakSeparationMin = 0.3
	cfg.OutputPath = filepath.Join(t.TempDir(), "pidcal.db")
	cfg.Workers = 2
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	truth := []float64{5, 1, 0.5}
	events := writeSyntheticRun(t, 20000, truth, 0.1, 23)
	cfg := syntheticConfig(t, events)

	sum, err := Run(cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.BinsTotal)
	assert.Zero(t, sum.BinsSkipped)
	assert.False(t, sum.LowStats)
	assert.GreaterOrEqual(t, sum.PeaksConverged, sum.BinsTotal-1)
	assert.Zero(t, sum.ArchiveFailures)
	assert.GreaterOrEqual(t, sum.Iterations, 1)

	// The archive is the run's durable output: every bin and the global
	// curve must be reloadable.
	a, err := OpenArchive(cfg.OutputPath)
	require.NoError(t, err)
	defer a.Close()
	for id := 0; id < sum.BinsTotal; id++ {
		rec, err := a.Load(id)
		require.NoError(t, err, "bin %d", id)
		assert.NotEmpty(t, rec.Bin.DeltaE)
		assert.NotEmpty(t, rec.Fits)
	}
	model, err := a.LoadGlobalModel()
	require.NoError(t, err)
	require.Len(t, model.Params, 3)
	// A clean synthetic dataset pins the curve close to the truth.
	assert.InDelta(t, truth[0], model.Params[0], 1.0)
	assert.InDelta(t, truth[1], model.Params[1], 0.5)
}

func TestRunWritesQAArtifacts(t *testing.T) {
	events := writeSyntheticRun(t, 4000, []float64{5, 1, 0.5}, 0.1, 29)
	cfg := syntheticConfig(t, events)
	cfg.NInitialBins = 3
	cfg.QADir = filepath.Join(t.TempDir(), "qa")

	sum, err := Run(cfg)
	require.NoError(t, err)
	require.Greater(t, sum.PeaksConverged, 0)

	entries, err := os.ReadDir(cfg.QADir)
	require.NoError(t, err)
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["bin000.png"], "per-bin overlay written")
	assert.True(t, names["global_curve.png"], "global curve written")

	a, err := OpenArchive(cfg.OutputPath)
	require.NoError(t, err)
	defer a.Close()
	rec, err := a.Load(0)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.QAArtifacts, "archive records its QA artifact paths")
}

func TestRunSurvivesArchiveWriteFailures(t *testing.T) {
	events := writeSyntheticRun(t, 8000, []float64{5, 1, 0.5}, 0.1, 41)
	cfg := syntheticConfig(t, events)

	orig := openArchive
	openArchive = func(path string) (*Archive, error) {
		a, err := OpenArchive(path)
		if err != nil {
			return nil, err
		}
		// Every subsequent write fails, but opening succeeded, so the
		// run keeps going bin by bin.
		a.db.Close()
		return a, nil
	}
	defer func() { openArchive = orig }()

	sum, err := Run(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive write")
	assert.Equal(t, sum.BinsTotal+1, sum.ArchiveFailures,
		"each failing bin counted once across store passes, plus the global model")
	assert.Greater(t, sum.PeaksConverged, 0, "fitting continued despite archive failures")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig() // no input path
	_, err := Run(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input.path")
}

func TestRunAbortsOnMalformedInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input.Path = filepath.Join(t.TempDir(), "absent.csv")
	cfg.OutputPath = filepath.Join(t.TempDir(), "pidcal.db")
	_, err := Run(cfg)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestRunLowStatisticsDataset(t *testing.T) {
	// Fewer events than the population threshold: a single fallback bin
	// is still processed end to end.
	events := writeSyntheticRun(t, 150, []float64{5, 1, 0.5}, 0.05, 31)
	cfg := syntheticConfig(t, events)
	cfg.MinPopulation = 1000

	sum, err := Run(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BinsTotal)
	assert.True(t, sum.LowStats)
}

func TestSummaryString(t *testing.T) {
	s := Summary{BinsTotal: 4, PeaksConverged: 3, PeaksFailed: 1, Iterations: 2}
	str := s.String()
	assert.Contains(t, str, "bins=4")
	assert.Contains(t, str, "converged=3")
	assert.Contains(t, str, "iterations=2")
}
