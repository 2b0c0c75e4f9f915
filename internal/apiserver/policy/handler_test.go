package policy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage/memstore"
)

func TestSetModeSwapsLiveConfig(t *testing.T) {
	store := memstore.New()
	engine := New(Config{AIMode: model.AIOff}, store, nil)
	h := NewHandler(engine, nil)

	body := strings.NewReader(`{"ai_mode":"AI_FULL"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/policy/mode", body)
	rec := httptest.NewRecorder()

	h.SetMode(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.AIFull, engine.Config().AIMode)
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	store := memstore.New()
	engine := New(Config{AIMode: model.AIOff}, store, nil)
	h := NewHandler(engine, nil)

	body := strings.NewReader(`{"ai_mode":"NOT_A_MODE"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/policy/mode", body)
	rec := httptest.NewRecorder()

	h.SetMode(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.AIOff, engine.Config().AIMode, "config must be untouched on a rejected request")
}

func TestSetModeWritesResponseBody(t *testing.T) {
	store := memstore.New()
	engine := New(Config{AIMode: model.AIOff}, store, nil)
	h := NewHandler(engine, nil)

	body := strings.NewReader(`{"ai_mode":"AI_ADVISORY"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/policy/mode", body)
	rec := httptest.NewRecorder()

	h.SetMode(rec, req)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(model.AIAdvisory), resp["ai_mode"])
}
