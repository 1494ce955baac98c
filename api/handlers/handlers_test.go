package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfaarizi/qubit/internal/execution"
	"github.com/alfaarizi/qubit/internal/jobs"
	"github.com/alfaarizi/qubit/internal/model"
	"github.com/alfaarizi/qubit/internal/ws"
)

// parkedRunner emits one phase event and then waits for the job to end.
type parkedRunner struct{}

func (parkedRunner) run(ctx context.Context) <-chan model.Event {
	out := make(chan model.Event)
	go func() {
		defer close(out)
		select {
		case out <- model.Phase("preparing", "Preparing job..."):
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out
}

func (r parkedRunner) RunPartition(ctx context.Context, jobID string, p model.PartitionPayload) <-chan model.Event {
	return r.run(ctx)
}

func (r parkedRunner) ImportQasm(ctx context.Context, jobID string, p model.ImportPayload) <-chan model.Event {
	return r.run(ctx)
}

type parkedClients struct{}

func (parkedClients) Acquire(ctx context.Context, sessionID string) (jobs.Runner, func(), error) {
	return parkedRunner{}, func() {}, nil
}

type staticCounts map[string]int

func (s staticCounts) CountByStatus(ctx context.Context) (map[string]int, error) {
	return s, nil
}

// recorder is a hub transport that keeps every message it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (r *recorder) Send(data []byte) bool {
	var m map[string]any
	json.Unmarshal(data, &m)
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return true
}

func (r *recorder) Close() {}

func (r *recorder) ofType(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type testServer struct {
	router   *gin.Engine
	hub      *ws.Hub
	registry *jobs.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := ws.NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	registry := jobs.NewRegistry(jobs.Config{SubscriberWait: 10 * time.Millisecond}, hub, parkedClients{}, nil, zerolog.Nop())
	t.Cleanup(func() {
		registry.Shutdown(context.Background())
		cancel()
		<-hub.Done()
	})

	stats := func() execution.Stats { return execution.Stats{Mode: execution.ModeLocal} }
	jobHandler := NewJobHandler(registry, stats, staticCounts{"done": 2}, zerolog.Nop())
	wsHandler := NewWebSocketHandler(hub, ws.NewHandler(hub, zerolog.Nop()), zerolog.Nop())

	r := gin.New()
	r.Use(UserMiddleware())
	api := r.Group("/api")
	jobHandler.RegisterRoutes(api)
	wsHandler.RegisterRoutes(api)

	return &testServer{router: r, hub: hub, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

var bellCircuit = map[string]any{
	"numQubits": 2,
	"placedGates": []map[string]any{
		{"id": "g1", "gate": map[string]any{"id": "h"}, "targetQubits": []int{0}, "controlQubits": []int{}},
		{"id": "g2", "gate": map[string]any{"id": "cnot"}, "targetQubits": []int{1}, "controlQubits": []int{0}},
	},
}

func TestJobHandler_Lifecycle(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodPost, "/api/circuits/c1/partition", "alice", bellCircuit)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	submitted := decode[SubmitResponse](t, w)
	assert.Equal(t, "partition-"+submitted.JobID, submitted.Room)
	assert.Equal(t, "queued", submitted.Status)

	w = s.do(t, http.MethodGet, "/api/jobs/"+submitted.JobID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[JobResponse](t, w)
	assert.Equal(t, "c1", job.CircuitID)
	assert.Equal(t, "partition", job.JobType)

	w = s.do(t, http.MethodGet, "/api/jobs/"+submitted.JobID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decode[ErrorResponse](t, w).Error.Code)

	w = s.do(t, http.MethodGet, "/api/circuits/c1/jobs", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]JobResponse](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/circuits/c1/jobs", "mallory", nil)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = s.do(t, http.MethodDelete, "/api/jobs/"+submitted.JobID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodDelete, "/api/jobs/"+submitted.JobID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode[map[string]any](t, w)["status"])

	w = s.do(t, http.MethodGet, "/api/jobs/"+submitted.JobID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodDelete, "/api/jobs/"+submitted.JobID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_DefaultUser(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodPost, "/api/circuits/c1/import", "", map[string]any{"qasm": "OPENQASM 2.0;"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[SubmitResponse](t, w).JobID

	job, err := s.registry.Get(id, "default-user")
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeImport, job.Type)
}

func TestJobHandler_Validation(t *testing.T) {
	s := setupTestServer(t)

	testCases := []struct {
		name string
		path string
		body any
	}{
		{name: "malformed body", path: "/api/circuits/c1/partition", body: "{not json"},
		{name: "no qubits", path: "/api/circuits/c1/partition", body: map[string]any{"placedGates": []any{}}},
		{name: "qubit out of range", path: "/api/circuits/c1/partition", body: map[string]any{
			"numQubits":   1,
			"placedGates": []map[string]any{{"gate": map[string]any{"id": "x"}, "targetQubits": []int{3}}},
		}},
		{name: "empty qasm", path: "/api/circuits/c1/import", body: map[string]any{"qasm": ""}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tc.path, "alice", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, w).Error.Code)
		})
	}
	assert.Equal(t, 0, s.registry.Active())
}

func TestJobHandler_Stats(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodPost, "/api/circuits/c1/partition", "alice", bellCircuit)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/api/jobs/stats", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, stats["active_jobs"])
	assert.Equal(t, map[string]any{"done": float64(2)}, stats["transitions"])
	assert.Equal(t, "local", stats["execution"].(map[string]any)["mode"])
}

func TestWebSocketHandler_Broadcast(t *testing.T) {
	s := setupTestServer(t)

	member := &recorder{}
	id := s.hub.Connect(member, "member")
	require.True(t, s.hub.JoinRoom(id, "circuit-1"))
	outsider := &recorder{}
	s.hub.Connect(outsider, "outsider")

	w := s.do(t, http.MethodPost, "/api/ws/broadcast/room/circuit-1", "", map[string]any{"message": map[string]any{"hello": "room"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["recipients"])

	got := member.ofType("http_room_broadcast")
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"hello": "room"}, got[0]["content"])
	assert.Empty(t, outsider.ofType("http_room_broadcast"))

	w = s.do(t, http.MethodPost, "/api/ws/broadcast/room/empty", "", map[string]any{"message": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/ws/broadcast", "", map[string]any{"message": "all"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, member.ofType("http_broadcast"), 1)
	assert.Len(t, outsider.ofType("http_broadcast"), 1)

	w = s.do(t, http.MethodPost, "/api/ws/broadcast", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/ws/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, w)["total_connections"])
}
