package reputation

import (
	"testing"
	"time"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/storage"
	"github.com/iris-network/iris/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := NewEngine(store, config.DefaultConfig().Reputation)
	require.NoError(t, err)
	return engine, store
}

func TestUnknownNodeStartsAtInitialScore(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.Equal(t, InitialScore, engine.Score("node-a"))
}

func TestRecordDeltas(t *testing.T) {
	tests := []struct {
		kind types.ReputationEventKind
		want float64
	}{
		{types.RepTaskCompleted, 110},
		{types.RepTimeout, 80},
		{types.RepInvalidResponse, 50},
		{types.RepUptimeHour, 101},
		{types.RepBrokenPromise, 95},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			engine, _ := newTestEngine(t)
			assert.Equal(t, tt.want, engine.Record("node-a", tt.kind))
		})
	}
}

func TestScoreClampsAtFloor(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.Record("node-a", types.RepInvalidResponse) // 50
	engine.Record("node-a", types.RepInvalidResponse) // would be 0
	assert.Equal(t, 10.0, engine.Score("node-a"))

	// The floor is not a grave: the node can climb back.
	engine.Record("node-a", types.RepTaskCompleted)
	assert.Equal(t, 20.0, engine.Score("node-a"))
}

func TestRecordCompletionFastBonus(t *testing.T) {
	engine, _ := newTestEngine(t)

	// Finished in a quarter of the deadline: below the 0.5 default ratio.
	score := engine.RecordCompletion("fast", 15*time.Second, time.Minute)
	assert.Equal(t, 115.0, score)

	// Finished slowly: base points only.
	score = engine.RecordCompletion("slow", 50*time.Second, time.Minute)
	assert.Equal(t, 110.0, score)

	assert.Equal(t, int64(1), engine.TasksCompleted("fast"))
}

func TestDecayCompoundsMissedWeeks(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Record("node-a", types.RepTaskCompleted) // 110

	engine.Decay(time.Now().Add(2 * decayPeriod))
	want := 110 * 0.99 * 0.99
	assert.InDelta(t, want, engine.Score("node-a"), 0.0001)
}

func TestDecayRespectsFloor(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.Record("node-a", types.RepInvalidResponse)
	engine.Record("node-a", types.RepInvalidResponse) // floored at 10

	engine.Decay(time.Now().Add(decayPeriod))
	assert.Equal(t, 10.0, engine.Score("node-a"))
}

func TestCreditUptime(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.NodeConnected("node-a")

	// No full hour yet.
	engine.CreditUptime(time.Now())
	assert.Equal(t, InitialScore, engine.Score("node-a"))

	engine.CreditUptime(time.Now().Add(3 * time.Hour))
	assert.Equal(t, InitialScore+3, engine.Score("node-a"))

	// Credit does not double-pay the same hours.
	engine.CreditUptime(time.Now().Add(3 * time.Hour))
	assert.Equal(t, InitialScore+3, engine.Score("node-a"))

	engine.NodeDisconnected("node-a")
	engine.CreditUptime(time.Now().Add(10 * time.Hour))
	assert.Equal(t, InitialScore+3, engine.Score("node-a"))
}

func TestScoresSurviveRestart(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := config.DefaultConfig().Reputation

	engine, err := NewEngine(store, cfg)
	require.NoError(t, err)
	engine.Record("node-a", types.RepTaskCompleted)
	engine.Record("node-a", types.RepTaskCompleted) // 120

	reborn, err := NewEngine(store, cfg)
	require.NoError(t, err)
	assert.Equal(t, 120.0, reborn.Score("node-a"))

	history, err := reborn.History("node-a", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
