package pidcal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when an archive bin has never been stored.
var ErrNotFound = errors.New("pidcal: record not found")

// Archive persists per-bin distributions and fit results in a single
// SQLite file. Writes are keyed by bin id and idempotent: storing the
// same bin twice overwrites the prior record. Every refinement
// iteration's fit results are kept; the original dE distribution is
// stored with the bin so QA and reprocessing never re-read the event
// source. All methods are safe for concurrent use.
type Archive struct {
	db *sql.DB
	mu sync.Mutex
}

// Record is the archived state of one bin: the bin itself with its
// original dE samples, the fit results of the latest iteration, and the
// QA artifact paths.
type Record struct {
	Bin         EnergyBin
	Fits        []PeakFitResult
	QAArtifacts []string
}

// OpenArchive opens (or creates) the archive file at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pidcal: open archive %s: %w", path, err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pidcal: init archive %s: %w", path, err)
	}
	return a, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bins (
		bin_id      INTEGER PRIMARY KEY,
		e_lo        REAL NOT NULL,
		e_hi        REAL NOT NULL,
		event_count INTEGER NOT NULL,
		samples     TEXT NOT NULL,
		qa_artifacts TEXT,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fits (
		bin_id     INTEGER NOT NULL,
		peak_index INTEGER NOT NULL,
		iteration  INTEGER NOT NULL,
		mean       REAL,
		mean_err   REAL,
		width      REAL,
		width_err  REAL,
		status     TEXT NOT NULL,
		nll        REAL,
		chi2       REAL,
		ndof       INTEGER,
		p_value    REAL,
		range_lo   REAL,
		range_hi   REAL,
		PRIMARY KEY (bin_id, peak_index, iteration)
	);

	CREATE TABLE IF NOT EXISTS global_model (
		iteration INTEGER PRIMARY KEY,
		params    TEXT NOT NULL,
		errs      TEXT,
		converged INTEGER NOT NULL
	);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Store upserts a bin's record: the bin row (latest write wins) plus one
// fits row per peak and iteration.
func (a *Archive) Store(bin EnergyBin, fits []PeakFitResult, qaArtifacts []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	samples, err := json.Marshal(bin.DeltaE)
	if err != nil {
		return fmt.Errorf("pidcal: archive bin %d: %w", bin.ID, err)
	}
	qa, err := json.Marshal(qaArtifacts)
	if err != nil {
		return fmt.Errorf("pidcal: archive bin %d: %w", bin.ID, err)
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("pidcal: archive bin %d: %w", bin.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO bins (bin_id, e_lo, e_hi, event_count, samples, qa_artifacts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bin_id) DO UPDATE SET
			e_lo = excluded.e_lo,
			e_hi = excluded.e_hi,
			event_count = excluded.event_count,
			samples = excluded.samples,
			qa_artifacts = excluded.qa_artifacts,
			updated_at = CURRENT_TIMESTAMP
	`, bin.ID, bin.ELo, bin.EHi, bin.Count(), string(samples), string(qa))
	if err != nil {
		return fmt.Errorf("pidcal: archive bin %d: %w", bin.ID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO fits (bin_id, peak_index, iteration, mean, mean_err, width, width_err,
			status, nll, chi2, ndof, p_value, range_lo, range_hi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bin_id, peak_index, iteration) DO UPDATE SET
			mean = excluded.mean,
			mean_err = excluded.mean_err,
			width = excluded.width,
			width_err = excluded.width_err,
			status = excluded.status,
			nll = excluded.nll,
			chi2 = excluded.chi2,
			ndof = excluded.ndof,
			p_value = excluded.p_value,
			range_lo = excluded.range_lo,
			range_hi = excluded.range_hi
	`)
	if err != nil {
		return fmt.Errorf("pidcal: archive bin %d: %w", bin.ID, err)
	}
	defer stmt.Close()

	for _, f := range fits {
		_, err = stmt.Exec(f.BinID, f.PeakIndex, f.Iteration, f.Mean, f.MeanErr,
			f.Width, f.WidthErr, f.Status.String(), f.NLL, f.Chi2, f.NDof,
			f.PValue, f.RangeLo, f.RangeHi)
		if err != nil {
			return fmt.Errorf("pidcal: archive bin %d peak %d: %w", bin.ID, f.PeakIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pidcal: archive bin %d: %w", bin.ID, err)
	}
	return nil
}

// Load returns the most recently stored record for a bin: the bin row and
// the fit results of its latest iteration.
func (a *Archive) Load(binID int) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		rec     Record
		samples string
		qa      sql.NullString
		count   int
	)
	err := a.db.QueryRow(`
		SELECT e_lo, e_hi, event_count, samples, qa_artifacts
		FROM bins WHERE bin_id = ?
	`, binID).Scan(&rec.Bin.ELo, &rec.Bin.EHi, &count, &samples, &qa)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("%w: bin %d", ErrNotFound, binID)
	}
	if err != nil {
		return rec, fmt.Errorf("pidcal: load bin %d: %w", binID, err)
	}
	rec.Bin.ID = binID
	if err := json.Unmarshal([]byte(samples), &rec.Bin.DeltaE); err != nil {
		return rec, fmt.Errorf("pidcal: load bin %d: %w", binID, err)
	}
	if qa.Valid && qa.String != "" {
		if err := json.Unmarshal([]byte(qa.String), &rec.QAArtifacts); err != nil {
			return rec, fmt.Errorf("pidcal: load bin %d: %w", binID, err)
		}
	}

	rows, err := a.db.Query(`
		SELECT peak_index, iteration, mean, mean_err, width, width_err,
			status, nll, chi2, ndof, p_value, range_lo, range_hi
		FROM fits
		WHERE bin_id = ? AND iteration = (SELECT MAX(iteration) FROM fits WHERE bin_id = ?)
		ORDER BY peak_index
	`, binID, binID)
	if err != nil {
		return rec, fmt.Errorf("pidcal: load bin %d: %w", binID, err)
	}
	defer rows.Close()

	for rows.Next() {
		f := PeakFitResult{BinID: binID}
		var status string
		err := rows.Scan(&f.PeakIndex, &f.Iteration, &f.Mean, &f.MeanErr,
			&f.Width, &f.WidthErr, &status, &f.NLL, &f.Chi2, &f.NDof,
			&f.PValue, &f.RangeLo, &f.RangeHi)
		if err != nil {
			return rec, fmt.Errorf("pidcal: load bin %d: %w", binID, err)
		}
		f.Status = parseStatus(status)
		rec.Fits = append(rec.Fits, f)
	}
	if err := rows.Err(); err != nil {
		return rec, fmt.Errorf("pidcal: load bin %d: %w", binID, err)
	}
	return rec, nil
}

// StoreGlobalModel upserts the global curve for its iteration.
func (a *Archive) StoreGlobalModel(m GlobalCurveModel) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	params, err := json.Marshal(m.Params)
	if err != nil {
		return fmt.Errorf("pidcal: archive global model: %w", err)
	}
	errs, err := json.Marshal(m.Errs)
	if err != nil {
		return fmt.Errorf("pidcal: archive global model: %w", err)
	}
	converged := 0
	if m.Converged {
		converged = 1
	}
	_, err = a.db.Exec(`
		INSERT INTO global_model (iteration, params, errs, converged)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(iteration) DO UPDATE SET
			params = excluded.params,
			errs = excluded.errs,
			converged = excluded.converged
	`, m.Iteration, string(params), string(errs), converged)
	if err != nil {
		return fmt.Errorf("pidcal: archive global model: %w", err)
	}
	return nil
}

// LoadGlobalModel returns the highest-iteration global curve.
func (a *Archive) LoadGlobalModel() (GlobalCurveModel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		m         GlobalCurveModel
		params    string
		errsJSON  sql.NullString
		converged int
	)
	err := a.db.QueryRow(`
		SELECT iteration, params, errs, converged FROM global_model
		ORDER BY iteration DESC LIMIT 1
	`).Scan(&m.Iteration, &params, &errsJSON, &converged)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("%w: global model", ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("pidcal: load global model: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &m.Params); err != nil {
		return m, fmt.Errorf("pidcal: load global model: %w", err)
	}
	if errsJSON.Valid && errsJSON.String != "" {
		if err := json.Unmarshal([]byte(errsJSON.String), &m.Errs); err != nil {
			return m, fmt.Errorf("pidcal: load global model: %w", err)
		}
	}
	m.Converged = converged != 0
	return m, nil
}

func parseStatus(s string) FitStatus {
	switch s {
	case "converged":
		return StatusConverged
	case "failed":
		return StatusFailed
	default:
		return StatusSkippedLowStats
	}
}
