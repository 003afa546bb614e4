package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/internal/agents"
	"github.com/voidsync/voidsync/internal/changes"
	"github.com/voidsync/voidsync/internal/diffengine"
	"github.com/voidsync/voidsync/internal/eventbus"
	"github.com/voidsync/voidsync/internal/fingerprint"
	"github.com/voidsync/voidsync/internal/locks"
	"github.com/voidsync/voidsync/internal/plugins"
	"github.com/voidsync/voidsync/internal/ratelimit"
	"github.com/voidsync/voidsync/internal/sandbox"
	"github.com/voidsync/voidsync/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	prodRoot := filepath.Join(t.TempDir(), "production")
	sandboxRoot := filepath.Join(t.TempDir(), "sandbox")
	require.NoError(t, os.MkdirAll(prodRoot, 0o755))
	require.NoError(t, os.MkdirAll(sandboxRoot, 0o755))

	agentRegistry := agents.NewRegistry(st, nil)
	_, err = agentRegistry.Register(ctx, store.Agent{Identity: "GPT-4", Status: store.AgentActive})
	require.NoError(t, err)

	lockRegistry, err := locks.NewRegistry(ctx, st)
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(ctx, st, time.Minute, 1000)
	require.NoError(t, err)
	pipeline := plugins.New(nil)
	fingerprinter := fingerprint.New(st)
	diffEngine := diffengine.New(diffengine.DefaultContextLines)
	tree := sandbox.New(prodRoot, sandboxRoot)
	bus := eventbus.NewBus()
	t.Cleanup(bus.Close)

	manager := changes.New(st, agentRegistry, limiter, lockRegistry, pipeline, fingerprinter, diffEngine, tree, bus, nil, nil, changes.Limits{})
	srv := New(manager, lockRegistry, nil)

	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSubmitEndpointReturnsPendingChange(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/changes", submitRequest{AgentID: "GPT-4", Path: "a.js", Content: "x=1\n"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got submitResponse
	decode(t, resp, &got)
	require.Equal(t, store.ChangePending, got.Status)
	require.NotZero(t, got.ChangeID)
}

func TestSubmitEndpointUnknownAgentReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/changes", submitRequest{AgentID: "nobody", Path: "a.js", Content: "x=1\n"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitEndpointMalformedBodyReturns400(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/changes", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveEndpointCommitsAndReturns200(t *testing.T) {
	srv := newTestServer(t)

	submitResp := postJSON(t, srv.URL+"/api/v1/changes", submitRequest{AgentID: "GPT-4", Path: "a.js", Content: "x=1\n"})
	var submitted submitResponse
	decode(t, submitResp, &submitted)

	approveURL := srv.URL + "/api/v1/changes/" + strconv.FormatInt(submitted.ChangeID, 10) + "/approve"
	resp := postJSON(t, approveURL, approveRequest{ApprovedBy: "operator-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var change store.Change
	decode(t, resp, &change)
	require.Equal(t, store.ChangeApproved, change.Status)
}

func TestApproveEndpointUnknownChangeReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/changes/999/approve", approveRequest{ApprovedBy: "op"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApproveEndpointInvalidTransitionReturns409(t *testing.T) {
	srv := newTestServer(t)

	submitResp := postJSON(t, srv.URL+"/api/v1/changes", submitRequest{AgentID: "GPT-4", Path: "a.js", Content: "x=1\n"})
	var submitted submitResponse
	decode(t, submitResp, &submitted)

	approveURL := srv.URL + "/api/v1/changes/" + strconv.FormatInt(submitted.ChangeID, 10) + "/approve"
	first := postJSON(t, approveURL, approveRequest{ApprovedBy: "op"})
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := postJSON(t, approveURL, approveRequest{ApprovedBy: "op"})
	require.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestListEndpointFiltersByStatus(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/api/v1/changes", submitRequest{AgentID: "GPT-4", Path: "a.js", Content: "x=1\n"})
	postJSON(t, srv.URL+"/api/v1/changes", submitRequest{AgentID: "GPT-4", Path: "b.js", Content: "y=1\n"})

	resp, err := http.Get(srv.URL + "/api/v1/changes?status=pending")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed listResponse
	decode(t, resp, &listed)
	require.Len(t, listed.Changes, 2)
}

func TestLocksEndpointCreateListAndDelete(t *testing.T) {
	srv := newTestServer(t)

	createResp := postJSON(t, srv.URL+"/api/v1/locks", lockRequest{Path: "config/settings.json"})
	require.Equal(t, http.StatusOK, createResp.StatusCode)
	var lock store.Lock
	decode(t, createResp, &lock)
	require.NotEmpty(t, lock.ID)

	listResp, err := http.Get(srv.URL + "/api/v1/locks")
	require.NoError(t, err)
	var list []*store.Lock
	decode(t, listResp, &list)
	require.Len(t, list, 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/locks/"+lock.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestLocksEndpointInvalidPatternReturns400(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/locks", lockRequest{PathPattern: "[invalid"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
