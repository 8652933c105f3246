// Package sim — incremental CSV export of generated price points.
package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/predictlab/market-sim/internal/model"
)

// ErrRecorderClosed is returned when recording after Close.
var ErrRecorderClosed = errors.New("sim: recorder closed")

var csvHeader = []string{"timestamp", "price", "movement", "volume", "bid_ask_spread", "resolved_outcome"}

// Recorder appends each generated point to a run-scoped CSV file,
// flushing per point so the artifact survives an abrupt exit. It is
// closed exactly once when the run ends; pauses are not flush boundaries.
type Recorder struct {
	path   string
	file   *os.File
	w      *csv.Writer
	closed bool
}

// NewRecorder creates the export file under dir, named after the
// committed resolution and run length, and writes the header row.
func NewRecorder(dir string, resolvedYes bool, totalPoints int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	resolution := "NO"
	if resolvedYes {
		resolution = "YES"
	}
	name := fmt.Sprintf("LIVE_market_%s_%s_T%d.csv",
		resolution, time.Now().Format("20060102_150405"), totalPoints)
	path := filepath.Join(dir, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	w.Flush()

	return &Recorder{path: path, file: file, w: w}, nil
}

// Path returns the location of the export file.
func (r *Recorder) Path() string { return r.path }

// Record appends one point and flushes it to disk.
func (r *Recorder) Record(p model.PricePoint) error {
	if r.closed {
		return ErrRecorderClosed
	}

	resolved := ""
	if p.ResolvedOutcome != nil {
		resolved = strconv.FormatBool(*p.ResolvedOutcome)
	}
	row := []string{
		p.Timestamp.Format(time.RFC3339),
		strconv.FormatFloat(p.Price, 'f', 2, 64),
		strconv.FormatFloat(p.Movement, 'f', 3, 64),
		strconv.Itoa(p.Volume),
		strconv.FormatFloat(p.BidAskSpread, 'f', 2, 64),
		resolved,
	}
	if err := r.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	r.w.Flush()
	return r.w.Error()
}

// Close finalizes the file. Subsequent calls are no-ops.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
