package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/dreadew/taskiq-scheduler/internal/queue"
	"github.com/dreadew/taskiq-scheduler/internal/service"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f, err := os.CreateTemp("", "queue_test_*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	})
	store := storage.NewSQLiteStorage(nil)
	require.NoError(t, store.Init(path))
	t.Cleanup(func() { store.Close() })

	bus := queue.NewBus(queue.Options{})
	t.Cleanup(func() { bus.Close() })

	srv, err := New(service.New(service.Config{Store: store, Queue: bus, DefaultPriority: 3}), nil)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

const validBody = `{
  "url": "postgresql://app:secret@db:5432/app",
  "ddl": [{"statement": "CREATE TABLE t (id int)"}],
  "queries": [{"queryid": "q1", "query": "SELECT * FROM t", "runquantity": 10}]
}`

func TestHealth(t *testing.T) {
	code, body := do(t, newTestServer(t), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestSubmitStatusResultCancel(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, srv, http.MethodPost, "/tasks/new", validBody)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "SCHEDULED", body["status"])
	id, _ := body["execution_id"].(string)
	require.NotEmpty(t, id)

	code, body = do(t, srv, http.MethodGet, "/tasks/status?execution_id="+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "SCHEDULED", body["status"])

	code, body = do(t, srv, http.MethodGet, "/tasks/getresult?execution_id="+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body["result"])

	code, _ = do(t, srv, http.MethodPost, "/tasks/cancel?execution_id="+id, "")
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, srv, http.MethodGet, "/tasks/status?execution_id="+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "CANCELLED", body["status"])

	code, _ = do(t, srv, http.MethodPost, "/tasks/cancel?execution_id="+id, "")
	require.Equal(t, http.StatusConflict, code)

	code, body = do(t, srv, http.MethodGet, "/tasks/history?execution_id="+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["executions"], 1)

	code, body = do(t, srv, http.MethodGet, "/tasks?status=cancelled", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["executions"], 1)
}

func TestSubmitRejections(t *testing.T) {
	srv := newTestServer(t)
	for name, body := range map[string]string{
		"not json":          `{"url":`,
		"missing queries":   `{"url": "postgresql://db/app", "ddl": []}`,
		"statement type":    `{"url": "postgresql://db/app", "ddl": [{"statement": 1}], "queries": []}`,
		"priority range":    `{"url": "postgresql://db/app", "ddl": [], "queries": [{"query": "SELECT 1"}], "priority": 42}`,
		"bad dsn":           `{"url": "nowhere", "ddl": [], "queries": [{"query": "SELECT 1"}]}`,
		"forbidden keyword": `{"url": "postgresql://db/app", "ddl": [{"statement": "GRANT ALL ON t TO bob"}], "queries": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			code, out := do(t, srv, http.MethodPost, "/tasks/new", body)
			require.Equal(t, http.StatusUnprocessableEntity, code)
			require.NotEmpty(t, out["error"])
		})
	}

	code, out := do(t, srv, http.MethodPost, "/tasks/new",
		`{"url": "postgresql://db/app", "ddl": [{"statement": "GRANT ALL ON t TO bob"}], "queries": []}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, []any{"ddl 1: forbidden keyword: GRANT"}, out["errors"])

	code, out = do(t, srv, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, out["executions"])
}

func TestUnknownExecution(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/tasks/status", "/tasks/getresult", "/tasks/history"} {
		code, _ := do(t, srv, http.MethodGet, path+"?execution_id=nope", "")
		require.Equal(t, http.StatusNotFound, code, path)
	}
	code, _ := do(t, srv, http.MethodPost, "/tasks/cancel?execution_id=nope", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodGet, "/tasks/status", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = do(t, srv, http.MethodGet, "/tasks?status=bogus", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
}
