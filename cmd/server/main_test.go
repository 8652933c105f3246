package main

import (
	"testing"

	"github.com/predictlab/market-sim/internal/sim"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadSimConfig_Defaults(t *testing.T) {
	cfg, err := loadSimConfig(envMap(nil))
	if err != nil {
		t.Fatalf("loadSimConfig: %v", err)
	}
	if cfg != sim.DefaultConfig() {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, sim.DefaultConfig())
	}
}

func TestLoadSimConfig_AllOverrides(t *testing.T) {
	cfg, err := loadSimConfig(envMap(map[string]string{
		"SIM_TOTAL_POINTS":       "300",
		"SIM_INITIAL_PRICE":      "42.5",
		"SIM_VOLATILITY":         "2.25",
		"SIM_THRESHOLD_FRACTION": "0.6",
		"SIM_TREND_STRENGTH":     "0.12",
		"SIM_MAX_MOVEMENT":       "3.5",
		"SIM_SEED":               "99",
	}))
	if err != nil {
		t.Fatalf("loadSimConfig: %v", err)
	}
	want := sim.Config{
		TotalPoints:       300,
		InitialPrice:      42.5,
		Volatility:        2.25,
		ThresholdFraction: 0.6,
		TrendStrength:     0.12,
		MaxMovement:       3.5,
		Seed:              99,
	}
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadSimConfig_RejectsMalformedValues(t *testing.T) {
	for _, name := range []string{
		"SIM_TOTAL_POINTS",
		"SIM_INITIAL_PRICE",
		"SIM_VOLATILITY",
		"SIM_THRESHOLD_FRACTION",
		"SIM_TREND_STRENGTH",
		"SIM_MAX_MOVEMENT",
		"SIM_SEED",
	} {
		if _, err := loadSimConfig(envMap(map[string]string{name: "not-a-number"})); err == nil {
			t.Errorf("loadSimConfig accepted malformed %s", name)
		}
	}
}
