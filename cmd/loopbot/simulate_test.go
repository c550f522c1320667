package main

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/infrastructure/config"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

func TestRunSimulation(t *testing.T) {
	cfg := config.Default()
	cfg.Simulator.SupplySpeed = "0.01"

	report, err := runSimulation(context.Background(), cfg, simulation{Asset: "wbtc"}, logger.Nop())
	require.NoError(t, err)

	steps := make([]string, len(report.Steps))
	for i, s := range report.Steps {
		steps[i] = s["step"].(string)
	}
	assert.Equal(t, []string{
		"fund", "loop", "corrector_add", "mine", "claim", "reinvest", "corrector_remove", "withdraw_all",
	}, steps)

	assert.Equal(t, "WBTC", report.Asset)
	assert.True(t, report.Claimed.Sign() > 0)
	assert.True(t, report.Reinvested.Sign() > 0)
	assert.True(t, report.Final.Cmp(big.NewInt(100_000_000)) > 0, "final %s should exceed the funded amount", report.Final)

	last := report.Steps[len(report.Steps)-1]
	assert.Equal(t, "0", last["debt"])
}

func TestRunSimulationUnknownAsset(t *testing.T) {
	_, err := runSimulation(context.Background(), config.Default(), simulation{Asset: "DOGE"}, logger.Nop())
	assert.Error(t, err)
}

func TestScenarioOptions(t *testing.T) {
	opts, err := scenarioOptions(config.SimulatorConfig{CollateralFactor: "0.8", SupplySpeed: "0.5"})
	require.NoError(t, err)
	assert.Equal(t, "800000000000000000", opts.CollateralFactor.String())
	assert.Equal(t, "500000000000000000", opts.SupplySpeed.String())
	assert.Nil(t, opts.BorrowSpeed)

	_, err = scenarioOptions(config.SimulatorConfig{CollateralFactor: "1.5"})
	assert.Error(t, err)
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in       string
		expected string
		wantErr  bool
	}{
		{"", "<nil>", false},
		{"100000000", "100000000", false},
		{"-1", "", true},
		{"1.5", "", true},
	}
	for _, tt := range tests {
		got, err := parseUnits(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		if got.String() != tt.expected {
			t.Errorf("parseUnits(%q) = %v, expected %v", tt.in, got, tt.expected)
		}
	}
}
