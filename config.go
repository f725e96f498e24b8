// Package pidcal extracts particle-identification calibration data from a
// two-dimensional energy-loss measurement (dE vs E) recorded by a detector
// stack. Events are partitioned into energy bins, candidate peaks (one per
// ion charge Z) are located in each bin's dE distribution and fitted by
// unbinned maximum likelihood, and a global Bethe-Bloch style curve is
// refined iteratively against the per-bin fits.
package pidcal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FitModel selects the per-peak statistical model.
type FitModel string

const (
	// ModelGaussian fits a pure Gaussian to each peak.
	ModelGaussian FitModel = "gaussian"
	// ModelLanGauss fits a Landau convolved with a Gaussian, the default
	// for asymmetric energy-loss tails.
	ModelLanGauss FitModel = "langauss"
)

// InputConfig describes the tabular event file to read.
type InputConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // "csv" (default) or "root"

	// ROOT input only.
	Tree     string `yaml:"tree"`
	EBranch  string `yaml:"e_branch"`
	DEBranch string `yaml:"de_branch"`

	// CSV input: true when the file carries run and event id columns
	// after (E, dE).
	Metadata bool `yaml:"metadata"`
}

// Config holds every recognized run option. It is loaded from a YAML
// document and validated up front; the pipeline never consults any other
// process-wide state.
type Config struct {
	Input InputConfig `yaml:"input"`

	MinPopulation     int      `yaml:"min_population"`
	NInitialBins      int      `yaml:"n_initial_bins"`
	ExtremaHistBins   int      `yaml:"extrema_hist_bins"`
	SmoothWindow      int      `yaml:"extrema_smoothing_window"`
	PeakSeparationMin float64  `yaml:"peak_separation_min"`
	FitModel          FitModel `yaml:"fit_model"`
	FitRetryBudget    int      `yaml:"fit_retry_budget"`
	Charges           []int    `yaml:"charges"`
	RefineMaxIter     int      `yaml:"global_refine_max_iterations"`
	RefineTolerance   float64  `yaml:"global_refine_tolerance"`
	OutputPath        string   `yaml:"output_path"`
	QADir             string   `yaml:"qa_dir"`
	Workers           int      `yaml:"workers"`
}

// DefaultConfig returns the documented defaults. MinPopulation is a guard
// against empty bins, not a tuned policy; real runs should set it from the
// dataset size.
func DefaultConfig() Config {
	return Config{
		Input:             InputConfig{Format: "csv", Tree: "events", EBranch: "E", DEBranch: "dE"},
		MinPopulation:     100,
		NInitialBins:      40,
		ExtremaHistBins:   100,
		SmoothWindow:      5,
		PeakSeparationMin: 0,
		FitModel:          ModelLanGauss,
		FitRetryBudget:    2,
		Charges:           []int{1},
		RefineMaxIter:     10,
		RefineTolerance:   1e-3,
		OutputPath:        "pidcal.db",
		Workers:           4,
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
// Validation happens in Run, after any caller-side overrides, so a
// partially specified file loads fine.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("pidcal: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("pidcal: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects malformed configurations before any bin processing
// begins.
func (c *Config) Validate() error {
	var probs []string
	if c.Input.Path == "" {
		probs = append(probs, "input.path must be set")
	}
	switch c.Input.Format {
	case "", "csv":
	case "root":
		if c.Input.Tree == "" || c.Input.EBranch == "" || c.Input.DEBranch == "" {
			probs = append(probs, "root input needs input.tree, input.e_branch and input.de_branch")
		}
	default:
		probs = append(probs, fmt.Sprintf("unknown input.format %q (want csv or root)", c.Input.Format))
	}
	if c.MinPopulation < 1 {
		probs = append(probs, "min_population must be >= 1")
	}
	if c.NInitialBins < 1 {
		probs = append(probs, "n_initial_bins must be >= 1")
	}
	if c.ExtremaHistBins < 4 {
		probs = append(probs, "extrema_hist_bins must be >= 4")
	}
	if c.SmoothWindow < 1 {
		probs = append(probs, "extrema_smoothing_window must be >= 1")
	}
	if c.PeakSeparationMin < 0 {
		probs = append(probs, "peak_separation_min must not be negative")
	}
	switch c.FitModel {
	case ModelGaussian, ModelLanGauss:
	default:
		probs = append(probs, fmt.Sprintf("unknown fit_model %q (want %s or %s)", c.FitModel, ModelGaussian, ModelLanGauss))
	}
	if c.FitRetryBudget < 0 {
		probs = append(probs, "fit_retry_budget must not be negative")
	}
	if len(c.Charges) == 0 {
		probs = append(probs, "charges must list at least one ion charge")
	}
	for _, z := range c.Charges {
		if z < 1 {
			probs = append(probs, fmt.Sprintf("invalid ion charge %d", z))
		}
	}
	if c.RefineMaxIter < 1 {
		probs = append(probs, "global_refine_max_iterations must be >= 1")
	}
	if c.RefineTolerance <= 0 {
		probs = append(probs, "global_refine_tolerance must be > 0")
	}
	if c.OutputPath == "" {
		probs = append(probs, "output_path must be set")
	}
	if c.Workers < 1 {
		probs = append(probs, "workers must be >= 1")
	}
	if len(probs) > 0 {
		return fmt.Errorf("pidcal: invalid configuration: %s", strings.Join(probs, "; "))
	}
	return nil
}
