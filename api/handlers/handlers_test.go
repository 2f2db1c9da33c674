package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/varejotech/insights/pkg/cache"
	"github.com/varejotech/insights/pkg/direct"
	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/resolver"
	"github.com/varejotech/insights/pkg/store"
	"github.com/varejotech/insights/pkg/telemetry"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "produtos.parquet")
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf(`COPY (SELECT * FROM (VALUES
		(369947, 'TECIDO ALGODAO', 'TECIDOS', 60.0, 40.0),
		(111222, 'LINHA COSTURA', 'ARMARINHO', 100.0, 130.0)
	) AS t(CODIGO, NOME_PRODUTO, NOMESEGMENTO, VENDA_MES_01, VENDA_MES_02)) TO '%s' (FORMAT PARQUET)`, path))
	require.NoError(t, err)

	s, err := store.New(store.Config{Logger: testLogger(t), ParquetPath: path})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect() })

	log := testLogger(t)
	envCache, err := cache.New(&cache.Config{Logger: log, Dir: filepath.Join(t.TempDir(), "cache")})
	require.NoError(t, err)
	t.Cleanup(envCache.Close)
	engine, err := direct.New(&direct.Config{Logger: log, Store: s})
	require.NoError(t, err)
	res, err := resolver.New(&resolver.Config{Logger: log, Cache: envCache, Direct: engine})
	require.NoError(t, err)

	logDir := t.TempDir()
	recorder, err := telemetry.New(&telemetry.Config{Logger: log, Dir: logDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })

	h, err := New(&Config{Logger: log, Resolver: res, Telemetry: recorder})
	require.NoError(t, err)
	return h, logDir
}

func postQuery(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Query(w, req)
	return w
}

func TestQuery_DirectAnswer(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	w := postQuery(t, h, `{"query": "qual o produto mais vendido?", "session_id": "s1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)
	require.Equal(t, envelope.SourceDirect, resp.Answer.Source)
	require.Equal(t, envelope.TypeProductRanking, resp.Answer.Type)
	require.Equal(t, "LINHA COSTURA", resp.Answer.Result["produto"])
}

func TestQuery_BadRequests(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, http.StatusBadRequest, postQuery(t, h, `{not json`).Code)
	require.Equal(t, http.StatusBadRequest, postQuery(t, h, `{"query": "  "}`).Code)

	long := `{"query": "` + strings.Repeat("a", maxQueryLength+1) + `"}`
	require.Equal(t, http.StatusBadRequest, postQuery(t, h, long).Code)
}

func TestQuery_ErrorEnvelopeIsRecorded(t *testing.T) {
	t.Parallel()

	h, logDir := newTestHandler(t)
	w := postQuery(t, h, `{"query": "produto 999999"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, envelope.TypeError, resp.Answer.Type)

	data, err := os.ReadFile(filepath.Join(logDir, "errors.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "999999")
}

func TestQuery_ForceDirect(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	w := postQuery(t, h, `{"query": "por que as vendas caíram?", "force_direct": true}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, envelope.SourceDirect, resp.Answer.Source)
	require.Equal(t, envelope.TypeNotImplemented, resp.Answer.Type)
}

func TestStatsAndHealthz(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	postQuery(t, h, `{"query": "qual o produto mais vendido?"}`)

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Resolver.Total)
	require.Equal(t, int64(1), stats.Resolver.Direct)

	w = httptest.NewRecorder()
	h.Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")
}
