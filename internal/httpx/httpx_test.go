package httpx_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koopa0/system-design/14-battleship/internal/httpx"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	httpx.JSON(w, logger.Discard(), map[string]any{"ok": true}, http.StatusCreated)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, true, decode(t, w)["ok"])
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	httpx.Health(logger.Discard())(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.NotNil(t, resp["time"])
}

// TestRecoverer panic 不會讓伺服器崩潰
func TestRecoverer(t *testing.T) {
	handler := httpx.Wrap(logger.Discard(), func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "內部伺服器錯誤", decode(t, w)["error"])
}

func TestLogger_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := httpx.Logger(log, func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, log, "not here", http.StatusNotFound)
	})
	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "HTTP 請求", entry["msg"])
	assert.Equal(t, "/missing", entry["path"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
}
