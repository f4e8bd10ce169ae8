package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/archive"
	"github.com/workledger/go-core/internal/ledger"
	"github.com/workledger/go-core/internal/store"
)

func newTestServer(t *testing.T, secret string) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	appender := ledger.NewAppender(st, zap.NewNop())
	archiver := archive.NewManager(st, appender, zap.NewNop(), nil)
	srv, err := New(Config{Port: 0, AuthSecret: secret}, st, appender, archiver, nil, zap.NewNop())
	require.NoError(t, err)
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func emitBody(ws string, action string) map[string]interface{} {
	body := map[string]interface{}{
		"actor_user_id": "user-1",
		"action":        action,
		"resource_type": "document",
		"resource_id":   "doc-1",
		"details":       map[string]interface{}{"reason": "test"},
		"ip_address":    "10.0.0.7",
	}
	if ws != "" {
		body["workspace_id"] = ws
	}
	return body
}

func TestHandleEmitEvent(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("ws-1", "document.create"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var rec ledger.AuditRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, ledger.Genesis, rec.PrevHash)
	assert.Len(t, rec.RecordHash, 64)
	assert.Equal(t, "document.create", rec.Action)

	// The second event chains onto the first.
	w = doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("ws-1", "document.update"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var second ledger.AuditRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, rec.RecordHash, second.PrevHash)
}

func TestHandleEmitEvent_BadInput(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/audit/events", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing action fails appender validation.
	w = doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", map[string]interface{}{
		"resource_type": "document",
		"resource_id":   "doc-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEmitEvent_WriteConflict(t *testing.T) {
	srv, st := newTestServer(t, "")
	st.SetLockWait(50 * time.Millisecond)

	sess, err := st.EnterMaintenance(context.Background(), "ws-1")
	require.NoError(t, err)
	defer sess.Close(context.Background())

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("ws-1", "document.create"), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Retryable)
}

func TestHandleQueryRecords(t *testing.T) {
	srv, _ := newTestServer(t, "")

	for i := 0; i < 3; i++ {
		w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("ws-1", "issue.update"), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("", "api_token.issued"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records?workspace_id=ws-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Records []ledger.AuditRecord `json:"records"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	// Without workspace_id the query reads the global scope.
	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "api_token.issued", resp.Records[0].Action)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records?workspace_id=ws-1&from=not-a-time", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerify(t *testing.T) {
	srv, _ := newTestServer(t, "")

	for i := 0; i < 5; i++ {
		w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("ws-1", "document.update"), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/verify?scope=ws-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Scope    string           `json:"scope"`
		Findings []ledger.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ws-1", resp.Scope)
	assert.NotNil(t, resp.Findings)
	assert.Empty(t, resp.Findings)
}

func TestHandleArchive(t *testing.T) {
	srv, _ := newTestServer(t, "")

	for i := 0; i < 4; i++ {
		w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/events", emitBody("ws-1", "document.update"), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	// Cutoff sits after the last append and before the archive call.
	time.Sleep(5 * time.Millisecond)
	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/archive", map[string]interface{}{
		"scope":      "ws-1",
		"older_than": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Archived   bool                      `json:"archived"`
		Checkpoint *ledger.ArchiveCheckpoint `json:"checkpoint"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Archived)
	require.NotNil(t, resp.Checkpoint)
	assert.Equal(t, int64(4), resp.Checkpoint.RecordsArchived)

	// The chain still verifies across the checkpoint.
	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/verify?scope=ws-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verifyResp struct {
		Findings []ledger.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verifyResp))
	assert.Empty(t, verifyResp.Findings)
}

func TestHandleArchive_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/audit/archive", map[string]interface{}{"scope": "ws-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	srv, _ := newTestServer(t, secret)

	// No token.
	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token.
	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records", nil, map[string]string{
		"Authorization": "Bearer not.a.token",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Token signed with the wrong secret.
	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "reporting-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records", nil, map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", wrong),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "reporting-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/audit/records", nil, map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	w = doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
