package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/infrastructure/config"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/infrastructure/simulator"
	"github.com/zono819/leverage-loop/internal/infrastructure/store"
	"github.com/zono819/leverage-loop/internal/usecase/unwind"
)

func TestWireRejectsBadDustWithoutOpeningStore(t *testing.T) {
	sc, err := simulator.NewScenario(simulator.ScenarioOptions{})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Store.Driver = "badger"
	cfg.Store.Path = t.TempDir()
	cfg.Engine.Dust = "lots"

	_, err = wire(cfg, sc.Markets, sc.Sim, sc.Sim, simulator.DefaultAccount, logger.Nop())
	require.Error(t, err)

	// badger locks its directory, so this fails if wire left it open
	s, err := store.OpenBadger(store.OpenOptions{Path: cfg.Store.Path})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestWriteResult(t *testing.T) {
	boom := errors.New("header not found")

	var buf bytes.Buffer
	var none *unwind.Result
	assert.ErrorIs(t, writeResult(&buf, none, boom), boom)
	assert.Empty(t, buf.String(), "a nil result prints nothing")

	buf.Reset()
	partial := &unwind.Result{Steps: 2}
	assert.ErrorIs(t, writeResult(&buf, partial, boom), boom)
	assert.Contains(t, buf.String(), `"Steps": 2`)

	buf.Reset()
	require.NoError(t, writeResult(&buf, map[string]interface{}{"supplied": "5"}, nil))
	assert.Contains(t, buf.String(), `"supplied": "5"`)

	assert.True(t, isNil(nil))
	assert.True(t, isNil(none))
	assert.False(t, isNil(partial))
}
