package pidcal

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Summary is the user-visible recap of one run.
type Summary struct {
	BinsTotal   int
	BinsSkipped int
	LowStats    bool

	PeaksConverged int
	PeaksFailed    int
	PeaksSkipped   int

	// ArchiveFailures counts the distinct bins whose record could not be
	// persisted, plus one if the global model write failed.
	ArchiveFailures int

	GlobalConverged bool
	Iterations      int
}

func (s Summary) String() string {
	return fmt.Sprintf("bins=%d skipped=%d peaks: converged=%d failed=%d skipped=%d "+
		"archive_failures=%d global: converged=%v iterations=%d",
		s.BinsTotal, s.BinsSkipped, s.PeaksConverged, s.PeaksFailed, s.PeaksSkipped,
		s.ArchiveFailures, s.GlobalConverged, s.Iterations)
}

// openArchive is swappable so archive write failures can be exercised.
var openArchive = OpenArchive

// Run executes the whole pipeline: read events, bin, scan and fit every
// bin in parallel, archive, refine the global curve, and render QA. Only
// input-level failures abort; per-bin failures are recorded as statuses.
// Archive write failures are fatal for the affected bin only and surface
// as a non-nil error alongside the summary once the run completes.
func Run(cfg Config) (Summary, error) {
	var sum Summary
	if err := cfg.Validate(); err != nil {
		return sum, err
	}

	events, err := ReadEvents(cfg.Input)
	if err != nil {
		return sum, err
	}

	set, err := BuildBins(events, cfg.NInitialBins, cfg.MinPopulation)
	if err != nil {
		return sum, err
	}
	sum.BinsTotal = len(set.Bins)
	sum.LowStats = set.LowStats

	scanCfg := ScanConfig{
		HistBins:      cfg.ExtremaHistBins,
		SmoothWindow:  cfg.SmoothWindow,
		MinSeparation: cfg.PeakSeparationMin,
	}
	fitter := NewFitter(cfg)

	// Per-bin scan+fit: each bin reads only its own data and writes only
	// its own results, so the bins fan out across the worker pool.
	extsByBin := make(map[int][]Extremum, len(set.Bins))
	fitsByBin := make(map[int][]PeakFitResult, len(set.Bins))
	exts := make([][]Extremum, len(set.Bins))
	fits := make([][]PeakFitResult, len(set.Bins))

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i := range set.Bins {
		i := i
		g.Go(func() error {
			bin := set.Bins[i]
			es, err := ScanExtrema(bin, scanCfg)
			if err != nil {
				logWarn("bin skipped", "bin", bin.ID, "reason", err)
				fits[i] = []PeakFitResult{SkippedResult(bin.ID)}
				return nil
			}
			exts[i] = es
			fits[i] = fitter.FitBin(bin, es)
			return nil
		})
	}
	g.Wait()

	for i := range set.Bins {
		id := set.Bins[i].ID
		if exts[i] != nil {
			extsByBin[id] = exts[i]
		} else {
			sum.BinsSkipped++
		}
		fitsByBin[id] = fits[i]
	}

	archive, err := openArchive(cfg.OutputPath)
	if err != nil {
		return sum, err
	}
	defer archive.Close()

	// A bin whose record cannot be persisted counts once, no matter how
	// many store passes fail for it.
	failedBins := make(map[int]bool)
	storeAll := func(fits map[int][]PeakFitResult, qa map[int][]string) {
		for i := range set.Bins {
			bin := set.Bins[i]
			if err := archive.Store(bin, fits[bin.ID], qa[bin.ID]); err != nil {
				logError("archive write failed", "bin", bin.ID, "error", err)
				failedBins[bin.ID] = true
			}
		}
	}
	storeAll(fitsByBin, nil)

	refiner := NewRefiner(cfg)
	model, finalFits, err := refiner.Run(set.Bins, extsByBin, fitsByBin, fitter)
	if err != nil {
		if errors.Is(err, ErrInsufficientPeaks) {
			logWarn("global refinement skipped", "reason", err)
		} else {
			logError("global refinement failed", "error", err)
		}
	}
	sum.Iterations = model.Iteration
	sum.GlobalConverged = model.Converged
	fitsByBin = finalFits

	qaByBin := make(map[int][]string)
	if rep := NewReporter(cfg); rep != nil {
		for i := range set.Bins {
			bin := set.Bins[i]
			path, err := rep.BinOverlay(bin, fitsByBin[bin.ID])
			if err != nil {
				logWarn("QA overlay failed", "bin", bin.ID, "error", err)
				continue
			}
			qaByBin[bin.ID] = append(qaByBin[bin.ID], path)
		}
		if model.Params != nil {
			if _, err := rep.GlobalCurve(set.Bins, fitsByBin, model, cfg.Charges); err != nil {
				logWarn("QA global curve failed", "error", err)
			}
		}
	}

	storeAll(fitsByBin, qaByBin)
	sum.ArchiveFailures = len(failedBins)
	if model.Params != nil {
		if err := archive.StoreGlobalModel(model); err != nil {
			logError("archive write failed", "what", "global model", "error", err)
			sum.ArchiveFailures++
		}
	}

	for _, results := range fitsByBin {
		for _, res := range results {
			switch res.Status {
			case StatusConverged:
				sum.PeaksConverged++
			case StatusFailed:
				sum.PeaksFailed++
			default:
				sum.PeaksSkipped++
			}
		}
	}

	logInfo("run complete", "summary", sum.String())
	if sum.ArchiveFailures > 0 {
		return sum, fmt.Errorf("pidcal: %d archive write(s) failed", sum.ArchiveFailures)
	}
	return sum, nil
}
