package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/aggregate"
	"github.com/refinelab/refinery/internal/health"
	"github.com/refinelab/refinery/internal/memory"
	"github.com/refinelab/refinery/internal/runner"
	"github.com/refinelab/refinery/internal/streaming"
	"github.com/refinelab/refinery/internal/task"
)

type fakeRunner struct {
	result *runner.RunResult
	err    error
	gotQ   string
	gotTID string
}

func (f *fakeRunner) Run(ctx context.Context, query, threadID string) (*runner.RunResult, error) {
	f.gotQ, f.gotTID = query, threadID
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.ThreadID = threadID
	return &res, nil
}

func newTestHandler(t *testing.T, r Runner, store memory.ThreadStore) (*Handler, *http.ServeMux) {
	t.Helper()
	h := NewHandler(r, store, streaming.NewManager(16), health.NewManager(zap.NewNop()), zap.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func okResult() *runner.RunResult {
	return &runner.RunResult{
		RunID:          "run-1",
		Category:       task.CategoryGeneral,
		FinalAnswer:    "refined requirements",
		StepCount:      4,
		ProcessingTime: 1500 * time.Millisecond,
	}
}

func TestRefineSuccess(t *testing.T) {
	fr := &fakeRunner{result: okResult()}
	_, mux := newTestHandler(t, fr, nil)

	body := `{"query":"plan a feature","thread_id":"t-9"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/refine", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "plan a feature", fr.gotQ)
	assert.Equal(t, "t-9", fr.gotTID)

	var resp RefineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "refined requirements", resp.FinalAnswer)
	assert.Equal(t, int64(1500), resp.ProcessingTimeMS)
}

func TestRefineGeneratesThreadID(t *testing.T) {
	fr := &fakeRunner{result: okResult()}
	_, mux := newTestHandler(t, fr, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refine", strings.NewReader(`{"query":"q"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, fr.gotTID, "a thread id is minted when the caller omits one")

	var resp RefineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, fr.gotTID, resp.ThreadID)
}

func TestRefineRejectsEmptyQuery(t *testing.T) {
	_, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refine", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefineFatalAggregation(t *testing.T) {
	fr := &fakeRunner{err: aggregate.ErrNothingToAggregate}
	_, mux := newTestHandler(t, fr, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refine", strings.NewReader(`{"query":"q"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefineInternalError(t *testing.T) {
	fr := &fakeRunner{err: errors.New("boom")}
	_, mux := newTestHandler(t, fr, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refine", strings.NewReader(`{"query":"q"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRolesEndpoint(t *testing.T) {
	_, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Roles []struct {
			Name  string `json:"name"`
			Title string `json:"title"`
		} `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Roles, 4)
	assert.Equal(t, "domain_expert", resp.Roles[0].Name)
}

func TestThreadHistoryEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := memory.NewRedisStore(memory.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	st := task.New("run-1", "t-1", "first query", 10)
	require.NoError(t, store.Save(context.Background(), "t-1", st.Snapshot()))

	_, mux := newTestHandler(t, &fakeRunner{result: okResult()}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/t-1/history?limit=5", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ThreadID string          `json:"thread_id"`
		Count    int             `json:"count"`
		Runs     []task.Snapshot `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t-1", resp.ThreadID)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "first query", resp.Runs[0].Query)
}

func TestThreadClearEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := memory.NewRedisStore(memory.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	st := task.New("run-1", "t-1", "first query", 10)
	require.NoError(t, store.Save(context.Background(), "t-1", st.Snapshot()))

	_, mux := newTestHandler(t, &fakeRunner{result: okResult()}, store)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/threads/t-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ThreadID string `json:"thread_id"`
		Cleared  bool   `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t-1", resp.ThreadID)
	assert.True(t, resp.Cleared)

	snaps, err := store.History(context.Background(), "t-1", 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestThreadHistoryBadLimit(t *testing.T) {
	_, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/t-1/history?limit=0", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthProbes(t *testing.T) {
	h, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.checks.Register(health.CheckerFunc{
		ComponentName: "gateway",
		IsCritical:    true,
		Probe:         func(ctx context.Context) error { return errors.New("down") },
	})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSSEReplaysBacklog(t *testing.T) {
	h, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)

	for i := 0; i < 3; i++ {
		h.events.Publish("run-1", streaming.Event{RunID: "run-1", Phase: "routing", Content: "step"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // handler writes the replay, then exits on the dead context
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?run_id=run-1", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, ": connected to run run-1")
	assert.Contains(t, body, "id: 2")
	assert.Contains(t, body, "id: 3")
	assert.NotContains(t, body, "id: 1\n")
}

func TestSSERequiresRunID(t *testing.T) {
	_, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketReplaysBacklog(t *testing.T) {
	h, mux := newTestHandler(t, &fakeRunner{result: okResult()}, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		h.events.Publish("run-1", streaming.Event{RunID: "run-1", Phase: "routing", Content: "step"})
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-1&last_event_id=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first, second streaming.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, uint64(2), first.Seq)
	assert.Equal(t, uint64(3), second.Seq)
}
