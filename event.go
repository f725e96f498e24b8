package pidcal

import (
	"errors"
	"fmt"
	"io"

	"go-hep.org/x/hep/csvutil"
	"go-hep.org/x/hep/groot"
	"go-hep.org/x/hep/groot/rtree"
)

// ErrMalformedInput marks an event file that cannot be used at all:
// unreadable, missing the required columns, or empty. It aborts the run
// before any bin processing begins.
var ErrMalformedInput = errors.New("pidcal: malformed input")

// Event is one detector record: total energy E and energy loss dE, with
// optional run/event metadata. Events are never mutated by the pipeline.
type Event struct {
	E      float64
	DeltaE float64
	Run    int64
	ID     int64
}

// ReadEvents loads the full event set described by cfg.
func ReadEvents(cfg InputConfig) ([]Event, error) {
	switch cfg.Format {
	case "", "csv":
		return readCSVEvents(cfg)
	case "root":
		return readROOTEvents(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown input format %q", ErrMalformedInput, cfg.Format)
	}
}

// readCSVEvents reads a comma-separated file with columns (E, dE) or, with
// cfg.Metadata, (E, dE, run, event). Lines starting with '#' are comments.
func readCSVEvents(cfg InputConfig) ([]Event, error) {
	tbl, err := csvutil.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrMalformedInput, cfg.Path, err)
	}
	defer tbl.Close()
	tbl.Reader.Comma = ','
	tbl.Reader.Comment = '#'

	rows, err := tbl.ReadRows(0, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedInput, cfg.Path, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		if cfg.Metadata {
			var rec struct {
				E, DE   float64
				Run, ID int64
			}
			if err := rows.Scan(&rec); err != nil {
				return nil, fmt.Errorf("%w: %s row %d: %v", ErrMalformedInput, cfg.Path, len(events)+1, err)
			}
			events = append(events, Event{E: rec.E, DeltaE: rec.DE, Run: rec.Run, ID: rec.ID})
			continue
		}
		var rec struct{ E, DE float64 }
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("%w: %s row %d: %v", ErrMalformedInput, cfg.Path, len(events)+1, err)
		}
		events = append(events, Event{E: rec.E, DeltaE: rec.DE})
	}
	if err := rows.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedInput, cfg.Path, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s holds no events", ErrMalformedInput, cfg.Path)
	}
	logInfo("events loaded", "file", cfg.Path, "n", len(events))
	return events, nil
}

// readROOTEvents reads a flat TTree with one float64 branch per axis.
func readROOTEvents(cfg InputConfig) ([]Event, error) {
	f, err := groot.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrMalformedInput, cfg.Path, err)
	}
	defer f.Close()

	obj, err := f.Get(cfg.Tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: tree %q: %v", ErrMalformedInput, cfg.Path, cfg.Tree, err)
	}
	tree, ok := obj.(rtree.Tree)
	if !ok {
		return nil, fmt.Errorf("%w: %s: object %q is not a tree", ErrMalformedInput, cfg.Path, cfg.Tree)
	}

	var (
		e, de float64
		rvars = []rtree.ReadVar{
			{Name: cfg.EBranch, Value: &e},
			{Name: cfg.DEBranch, Value: &de},
		}
	)
	r, err := rtree.NewReader(tree, rvars)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: branches %q,%q: %v", ErrMalformedInput, cfg.Path, cfg.EBranch, cfg.DEBranch, err)
	}
	defer r.Close()

	var events []Event
	err = r.Read(func(ctx rtree.RCtx) error {
		events = append(events, Event{E: e, DeltaE: de, ID: ctx.Entry})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedInput, cfg.Path, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s holds no events", ErrMalformedInput, cfg.Path)
	}
	logInfo("events loaded", "file", cfg.Path, "tree", cfg.Tree, "n", len(events))
	return events, nil
}
