package http

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feeledger/internal/log"
	"feeledger/internal/services"
	"feeledger/internal/storage"
)

func TestWriteJSONLogsEncodeFailureOnRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Component: "api", Handler: slog.NewTextHandler(&buf, nil)}).
		With(log.FieldRequestID, "req-42")
	req := httptest.NewRequest(http.MethodGet, "/monthly-fees/summary", nil)
	req = req.WithContext(context.WithValue(req.Context(), log.LoggerContextKey, logger))
	rr := httptest.NewRecorder()

	writeJSON(rr, req, http.StatusOK, map[string]any{"bad": make(chan int)})

	out := buf.String()
	assert.Contains(t, out, "Failed to encode response")
	assert.Contains(t, out, "request_id=req-42")
	assert.Contains(t, out, "path=/monthly-fees/summary")
}

func TestReadyReportsSchemaVersion(t *testing.T) {
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	ledger := services.NewLedgerService(repo,
		services.WithLogger(quietLogger()),
		services.WithClock(func() time.Time { return testNow }))
	s := newTestServer(t, ledger, 0)

	rr := do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	checks := decode(t, rr)["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "v2", checks["schema"])

	memServer := newTestServer(t, newLedger(), 0)
	rr = do(t, memServer, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, decode(t, rr)["checks"].(map[string]any), "schema")
}
