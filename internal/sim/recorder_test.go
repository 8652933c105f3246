package sim_test

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/predictlab/market-sim/internal/model"
	"github.com/predictlab/market-sim/internal/sim"
)

func TestRecorder_WritesRows(t *testing.T) {
	dir := t.TempDir()
	rec, err := sim.NewRecorder(dir, true, 500)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	name := filepath.Base(rec.Path())
	if !strings.HasPrefix(name, "LIVE_market_YES_") || !strings.HasSuffix(name, "_T500.csv") {
		t.Errorf("unexpected file name: %s", name)
	}

	outcome := true
	point := model.PricePoint{
		Index:           0,
		Timestamp:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Price:           52.25,
		Movement:        1.125,
		Volume:          120,
		BidAskSpread:    0.55,
		ResolvedOutcome: &outcome,
	}
	if err := rec.Record(point); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(rec.Path())
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][5] != "resolved_outcome" {
		t.Errorf("unexpected header: %v", rows[0])
	}

	row := rows[1]
	if row[1] != "52.25" {
		t.Errorf("expected price 52.25, got %s", row[1])
	}
	if row[2] != "1.125" {
		t.Errorf("expected movement 1.125, got %s", row[2])
	}
	if row[3] != "120" {
		t.Errorf("expected volume 120, got %s", row[3])
	}
	if row[5] != "true" {
		t.Errorf("expected resolved_outcome true, got %s", row[5])
	}
}

func TestRecorder_NoResolutionName(t *testing.T) {
	rec, err := sim.NewRecorder(t.TempDir(), false, 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	if !strings.Contains(filepath.Base(rec.Path()), "_NO_") {
		t.Errorf("expected NO resolution in name: %s", rec.Path())
	}
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	rec, err := sim.NewRecorder(t.TempDir(), true, 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := rec.Record(model.PricePoint{}); !errors.Is(err, sim.ErrRecorderClosed) {
		t.Errorf("expected ErrRecorderClosed, got %v", err)
	}
}

func TestEngineWithRecorder(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(5)
	e := newTestEngine(t, cfg)

	rec, err := sim.NewRecorder(dir, e.ResolvedOutcome(), cfg.TotalPoints)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	e.AttachRecorder(rec)

	e.Start(0, sim.ModeManual)
	for i := 0; i < 5; i++ {
		if _, err := e.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	f, err := os.Open(rec.Path())
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 {
		t.Errorf("expected header + 5 rows, got %d", len(rows))
	}
}