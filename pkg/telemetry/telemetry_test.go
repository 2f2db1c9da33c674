package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRecorder_AppendsStreams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := New(&Config{Logger: testLogger(t), Dir: dir, Clock: clock})
	require.NoError(t, err)
	defer r.Close()

	r.RecordQuery(QueryRecord{
		RequestID:   "req-1",
		Query:       "qual o produto mais vendido?",
		Source:      "direct",
		Type:        "produto_ranking",
		TokensSaved: 160,
		ElapsedMs:   12,
	})
	r.RecordQuery(QueryRecord{RequestID: "req-2", Query: "estoque parado", Source: "cache"})
	r.RecordPerformance(PerformanceRecord{Operation: "store.connect", ElapsedMs: 40})
	r.RecordError(ErrorRecord{RequestID: "req-3", Query: "produto 999999", Message: "produto não encontrado"})
	require.NoError(t, r.Close())

	queries := readLines(t, filepath.Join(dir, "queries.jsonl"))
	require.Len(t, queries, 2)
	var first QueryRecord
	require.NoError(t, json.Unmarshal([]byte(queries[0]), &first))
	require.Equal(t, "req-1", first.RequestID)
	require.Equal(t, "direct", first.Source)
	require.Equal(t, 160, first.TokensSaved)
	require.Equal(t, clock.Now().UTC(), first.Time)

	perf := readLines(t, filepath.Join(dir, "performance.jsonl"))
	require.Len(t, perf, 1)

	errs := readLines(t, filepath.Join(dir, "errors.jsonl"))
	require.Len(t, errs, 1)
	var failure ErrorRecord
	require.NoError(t, json.Unmarshal([]byte(errs[0]), &failure))
	require.Equal(t, "produto não encontrado", failure.Message)
}

func TestRecorder_AppendsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := New(&Config{Logger: testLogger(t), Dir: dir})
	require.NoError(t, err)
	r.RecordQuery(QueryRecord{RequestID: "a", Query: "x"})
	require.NoError(t, r.Close())

	r, err = New(&Config{Logger: testLogger(t), Dir: dir})
	require.NoError(t, err)
	r.RecordQuery(QueryRecord{RequestID: "b", Query: "y"})
	require.NoError(t, r.Close())

	require.Len(t, readLines(t, filepath.Join(dir, "queries.jsonl")), 2)
}

func TestRecorder_DisabledDropsSilently(t *testing.T) {
	t.Parallel()

	r, err := New(&Config{Logger: testLogger(t)})
	require.NoError(t, err)
	r.RecordQuery(QueryRecord{Query: "x"})
	r.RecordError(ErrorRecord{Message: "y"})
	require.NoError(t, r.Close())
}
