package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/broker"
	"github.com/koopa0/system-design/14-battleship/internal/history"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaking"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, router http.Handler, method, url string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w.Code, resp
}

func TestHandler_Queue(t *testing.T) {
	hub := transport.NewMemoryHub()
	b, rec := startBroker(t, hub, testConfig())
	router := broker.NewHandler(b, rec, logger.Discard()).Routes()

	code, resp := serve(t, router, http.MethodGet, "/api/v1/queue")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), resp["total"])
	assert.Empty(t, resp["entries"])

	ch, in := rawClient(t, hub, alice)
	send(t, ch, matchmaking.ActionQueue)
	eventually(t, func() bool { return in.count(matchmaking.ActionSuccess) == 1 })

	code, resp = serve(t, router, http.MethodGet, "/api/v1/queue")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])
	entries := resp["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, alice, entries[0].(map[string]any)["address"])
}

func TestHandler_Matches(t *testing.T) {
	hub := transport.NewMemoryHub()
	b, rec := startBroker(t, hub, testConfig())
	router := broker.NewHandler(b, rec, logger.Discard()).Routes()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, rec.Record(ctx, history.Match{
			ID:        id,
			PlayerA:   alice,
			PlayerB:   bob,
			Status:    history.StatusAssigned,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	tests := []struct {
		name           string
		url            string
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "recent newest first",
			url:            "/api/v1/matches",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, float64(3), resp["total"])
				matches := resp["matches"].([]any)
				assert.Equal(t, "m3", matches[0].(map[string]any)["id"])
			},
		},
		{
			name:           "limit",
			url:            "/api/v1/matches?limit=2",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, float64(2), resp["total"])
			},
		},
		{
			name:           "invalid limit",
			url:            "/api/v1/matches?limit=abc",
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Contains(t, resp["error"], "limit")
			},
		},
		{
			name:           "get one",
			url:            "/api/v1/matches/m2",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "m2", resp["id"])
				assert.Equal(t, "assigned", resp["status"])
				assert.Equal(t, alice, resp["player_a"])
			},
		},
		{
			name:           "not found",
			url:            "/api/v1/matches/nope",
			expectedStatus: http.StatusNotFound,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "對局不存在", resp["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serve(t, router, http.MethodGet, tt.url)
			assert.Equal(t, tt.expectedStatus, code)
			if tt.validate != nil {
				tt.validate(t, resp)
			}
		})
	}
}

func TestHandler_HealthAndStats(t *testing.T) {
	hub := transport.NewMemoryHub()
	b, rec := startBroker(t, hub, testConfig())
	router := broker.NewHandler(b, rec, logger.Discard()).Routes()

	code, resp := serve(t, router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp["status"])

	code, resp = serve(t, router, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, code)
	for _, key := range []string{"waiting", "pending_matches", "awaiting_acks", "total_queued", "total_matched", "total_confirmed", "total_abandoned", "total_expired"} {
		assert.Contains(t, resp, key)
	}
}
