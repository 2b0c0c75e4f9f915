package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage/memstore"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return New(cfg, store, nil), store
}

func TestAIOffDeniesAIOrigin(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIOff})
	d, err := e.Evaluate(context.Background(), Proposal{Kind: KindAssign, Origin: OriginAI})
	require.NoError(t, err)
	assert.True(t, d.Denied)
	assert.Contains(t, d.Reasons, "ai_mode_off")
}

func TestAIOffAllowsDeterministicUnderLimit(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIOff, MaxConcurrentTasks: 10})
	d, err := e.Evaluate(context.Background(), Proposal{
		Kind:       KindAssign,
		Origin:     OriginDeterministic,
		Parameters: map[string]interface{}{"max": 5},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.False(t, d.Limited)
}

func TestAssignClampedAtMaxConcurrentTasks(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIOff, MaxConcurrentTasks: 3})
	d, err := e.Evaluate(context.Background(), Proposal{
		Kind:       KindAssign,
		Origin:     OriginDeterministic,
		Parameters: map[string]interface{}{"max": 50},
	})
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, 3, d.Parameters["max"])
}

func TestAdvisoryRequiresAgreementForAI(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIAdvisory})

	d, err := e.Evaluate(context.Background(), Proposal{Kind: KindAssign, Origin: OriginAI})
	require.NoError(t, err)
	assert.True(t, d.Denied)

	d, err = e.Evaluate(context.Background(), Proposal{
		Kind:    KindAssign,
		Origin:  OriginAI,
		Context: map[string]interface{}{"deterministic_agrees": true},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestAssistedHighRiskNeedsAgreement(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIAssisted})

	d, err := e.Evaluate(context.Background(), Proposal{Kind: KindAssign, Origin: OriginAI, Risk: "high"})
	require.NoError(t, err)
	assert.True(t, d.Denied)

	d, err = e.Evaluate(context.Background(), Proposal{Kind: KindAssign, Origin: OriginAI, Risk: "low"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestFullModeStillRespectsHardLimits(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIFull, MaxConcurrentTasks: 2})
	d, err := e.Evaluate(context.Background(), Proposal{
		Kind:       KindAssign,
		Origin:     OriginAI,
		Parameters: map[string]interface{}{"max": 99},
	})
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, 2, d.Parameters["max"])
}

func TestRecheckThresholdDenies(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIOff, RecheckThreshold: 3})

	d, err := e.Evaluate(context.Background(), Proposal{
		Kind:       KindRecheck,
		Origin:     OriginDeterministic,
		Parameters: map[string]interface{}{"recheck_count": 2},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Evaluate(context.Background(), Proposal{
		Kind:       KindRecheck,
		Origin:     OriginDeterministic,
		Parameters: map[string]interface{}{"recheck_count": 3},
	})
	require.NoError(t, err)
	assert.True(t, d.Denied)
}

func TestDailyAIBudgetExhausts(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIFull, MaxDailyAIBudget: 2})

	for i := 0; i < 2; i++ {
		d, err := e.Evaluate(context.Background(), Proposal{Kind: KindAggregate, Origin: OriginAI})
		require.NoError(t, err)
		assert.True(t, d.Allow)
	}

	d, err := e.Evaluate(context.Background(), Proposal{Kind: KindAggregate, Origin: OriginAI})
	require.NoError(t, err)
	assert.True(t, d.Denied)
	assert.Contains(t, d.Reasons, "ai_daily_budget_exhausted")
}

func TestEveryEvaluateWritesAnAuditFlag(t *testing.T) {
	e, store := newTestEngine(t, Config{AIMode: model.AIOff})
	_, err := e.Evaluate(context.Background(), Proposal{Kind: KindAssign, Origin: OriginDeterministic})
	require.NoError(t, err)

	flags, err := store.ListFlags(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, model.FlagPolicyDecision, flags[0].Reason)
}

func TestSetConfigTakesEffectImmediately(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIOff})
	e.SetConfig(Config{AIMode: model.AIFull})
	assert.Equal(t, model.AIFull, e.Config().AIMode)
}

func TestModeChangeDeniesAIOrigin(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIFull})
	d, err := e.Evaluate(context.Background(), Proposal{
		Kind:       KindModeChange,
		Origin:     OriginAI,
		Parameters: map[string]interface{}{"ai_mode": string(model.AIOff)},
	})
	require.NoError(t, err)
	assert.True(t, d.Denied)
	assert.Contains(t, d.Reasons, "mode_change_requires_deterministic_origin")
}

func TestModeChangeAllowsDeterministicOriginInAnyMode(t *testing.T) {
	e, _ := newTestEngine(t, Config{AIMode: model.AIOff})
	d, err := e.Evaluate(context.Background(), Proposal{
		Kind:       KindModeChange,
		Origin:     OriginDeterministic,
		Parameters: map[string]interface{}{"ai_mode": string(model.AIFull)},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
