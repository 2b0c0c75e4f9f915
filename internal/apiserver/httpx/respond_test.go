package httpx

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltask/voltask/internal/apperr"
)

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, 201, map[string]int{"n": 1})

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body["n"])
}

func TestWriteErrorWrapsMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 400, "bad input")

	assert.Equal(t, 400, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad input", body["error"])
}

func TestWriteAppErrorMapsNotFoundTo404(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, apperr.NotFound("task %d not found", 7))

	assert.Equal(t, 404, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "task 7 not found", body["error"])
}

func TestWriteAppErrorMapsForbiddenTo403(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, apperr.Forbidden("agent is blocked"))
	assert.Equal(t, 403, rec.Code)
}

func TestWriteAppErrorMapsTransientTo503(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, apperr.Transientf("db_unavailable", "connection refused"))
	assert.Equal(t, 503, rec.Code)
}

func TestWriteAppErrorMapsUnclassifiedErrorTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, assert.AnError)

	assert.Equal(t, 500, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"], "an opaque error must never leak its message to the caller")
}

func TestWriteAppErrorMapsFatalTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, apperr.Fatalf("panic_recovered", "unexpected nil pointer"))
	assert.Equal(t, 500, rec.Code)
}
