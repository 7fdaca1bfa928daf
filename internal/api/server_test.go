package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/campaign"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger/mock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	mgr := campaign.New(store, mock.New(), nil, nil, nil)
	t.Cleanup(mgr.Shutdown)
	return NewServer(mgr, nil, nil, []string{"http://localhost:5173"}), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCreateAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"owner_id":   "owner-1",
		"session_id": "sess-1",
		"name":       "promo",
		"template":   "Hi {name}",
		"contacts":   []map[string]string{{"phone": "628111", "name": "Budi"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["campaign_id"]
	require.NotEmpty(t, id)

	rec = doJSON(t, srv, http.MethodGet, "/api/campaigns/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "promo", snap["name"])
	assert.Equal(t, "idle", snap["status"])
	assert.Equal(t, float64(1), snap["total_count"])
}

func TestCreateValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"owner_id": "owner-1", "session_id": "sess-1", "name": "promo", "template": "hi",
		"contacts": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"owner_id": "owner-1", "session_id": "sess-1", "name": "promo", "template": "hi",
		"contacts": []map[string]string{{"phone": "+62 811"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestIllegalTransitionConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"owner_id": "owner-1", "session_id": "sess-1", "name": "promo", "template": "hi",
		"contacts": []map[string]string{{"phone": "628111"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["campaign_id"]

	// pausing an idle campaign is a state conflict, not a bad request
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/campaigns/%s/pause", id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "cannot pause")

	rec = doJSON(t, srv, http.MethodDelete, "/api/campaigns/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownCampaignIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/campaigns/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/campaigns/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceRetryWithoutGovernor(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns/c1/retry", map[string]interface{}{
		"message_ids": []int64{1, 2},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"owner_id": "owner-1", "session_id": "sess-1", "name": "promo", "template": "hi",
		"contacts": []map[string]string{{"phone": "628111"}, {"phone": "628222"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodGet, "/api/campaigns/"+created["campaign_id"]+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(2), stats["pending"])
}
