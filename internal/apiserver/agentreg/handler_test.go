package agentreg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage/memstore"
)

func registerTestAgent(t *testing.T, store *memstore.Store, uid string) *model.Agent {
	t.Helper()
	a := &model.Agent{AgentUID: uid, DeviceID: "device-" + uid}
	require.NoError(t, store.RegisterAgent(context.Background(), a))
	return a
}

func TestSetLimitsUpdatesAgentResourceCaps(t *testing.T) {
	store := memstore.New()
	registerTestAgent(t, store, "agent-1")
	h := NewHandler(store, nil)

	body := strings.NewReader(`{"agent_uid":"agent-1","limits":{"cpu_percent":50,"gpu_percent":0,"ram_percent":80}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/limits", body)
	rec := httptest.NewRecorder()

	h.SetLimits(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	agent, err := store.GetAgentByUID(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, agent.Limits.CPUPercent)
	assert.Equal(t, 80.0, agent.Limits.RAMPercent)
}

func TestBlockThenUnblockRoundTrips(t *testing.T) {
	store := memstore.New()
	registerTestAgent(t, store, "agent-2")
	h := NewHandler(store, nil)

	blockReq := httptest.NewRequest(http.MethodPost, "/v1/agents/block", strings.NewReader(`{"agent_uid":"agent-2","reason":"suspicious activity"}`))
	blockRec := httptest.NewRecorder()
	h.Block(blockRec, blockReq)
	assert.Equal(t, http.StatusOK, blockRec.Code)

	agent, err := store.GetAgentByUID(context.Background(), "agent-2")
	require.NoError(t, err)
	assert.True(t, agent.Blocked)
	assert.Equal(t, "suspicious activity", agent.BlockedReason)
	assert.Equal(t, model.AgentBlocked, agent.DeriveStatus(agent.LastSeen, 0))

	unblockReq := httptest.NewRequest(http.MethodPost, "/v1/agents/unblock", strings.NewReader(`{"agent_uid":"agent-2"}`))
	unblockRec := httptest.NewRecorder()
	h.Unblock(unblockRec, unblockReq)
	assert.Equal(t, http.StatusOK, unblockRec.Code)

	agent, err = store.GetAgentByUID(context.Background(), "agent-2")
	require.NoError(t, err)
	assert.False(t, agent.Blocked)
	assert.Empty(t, agent.BlockedReason)
}

func TestBlockUnknownAgentReturnsNotFound(t *testing.T) {
	store := memstore.New()
	h := NewHandler(store, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/block", strings.NewReader(`{"agent_uid":"ghost"}`))
	rec := httptest.NewRecorder()
	h.Block(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
