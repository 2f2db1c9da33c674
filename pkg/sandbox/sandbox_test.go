package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/varejotech/insights/pkg/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeQuerier struct {
	result store.QueryResult
	err    error
	block  bool
	panics bool
}

func (f *fakeQuerier) Query(ctx context.Context, query string, args ...any) (store.QueryResult, error) {
	if f.panics {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return store.QueryResult{}, ctx.Err()
	}
	return f.result, f.err
}

func newSandbox(t *testing.T, q Querier, timeout time.Duration) *Sandbox {
	t.Helper()
	s, err := New(&Config{Logger: testLogger(t), Querier: q, Timeout: timeout})
	require.NoError(t, err)
	return s
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{name: "plain select", script: "SELECT 1 + 1 AS result"},
		{name: "with clause", script: "WITH t AS (SELECT 1) SELECT * FROM t"},
		{name: "trailing semicolon ok", script: "SELECT 1;"},
		{name: "lowercase select", script: "select codigo from produtos limit 5"},
		{name: "september column identifier", script: `SELECT "CODIGO", "set/24" FROM produtos`},
		{name: "keyword inside string literal", script: "SELECT * FROM produtos WHERE NOME_PRODUTO = 'drop forjado'"},
		{name: "semicolon inside string literal", script: "SELECT ';' AS separador"},
		{name: "empty", script: "   ", wantErr: true},
		{name: "multiple statements", script: "SELECT 1; SELECT 2", wantErr: true},
		{name: "insert", script: "INSERT INTO produtos VALUES (1)", wantErr: true},
		{name: "drop hidden in select", script: "SELECT 1; DROP TABLE produtos", wantErr: true},
		{name: "copy out", script: "COPY produtos TO '/tmp/x.csv'", wantErr: true},
		{name: "pragma", script: "PRAGMA database_list", wantErr: true},
		{name: "create via with", script: "WITH t AS (SELECT 1) CREATE TABLE x AS SELECT * FROM t", wantErr: true},
		{name: "unquoted set still rejected", script: "SELECT 1 FROM produtos WHERE set = 1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.script)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrForbidden)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSandbox_Run_Scalar(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{result: store.QueryResult{
		Columns: []string{"result"},
		Rows:    []store.Row{{"result": float64(2)}},
		Count:   1,
	}}
	s := newSandbox(t, q, time.Second)

	outcome, err := s.Run(context.Background(), "SELECT 1 + 1 AS result")
	require.NoError(t, err)
	require.True(t, outcome.IsScalar())
	require.Equal(t, "2", outcome.ScalarText)
}

func TestSandbox_Run_Rows(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{result: store.QueryResult{
		Columns: []string{"NOME_PRODUTO", "VENDA_TOTAL"},
		Rows: []store.Row{
			{"NOME_PRODUTO": "TECIDO ALGODAO", "VENDA_TOTAL": 100.0},
			{"NOME_PRODUTO": "LINHA COSTURA", "VENDA_TOTAL": 25.0},
		},
		Count: 2,
	}}
	s := newSandbox(t, q, time.Second)

	outcome, err := s.Run(context.Background(), "SELECT NOME_PRODUTO, VENDA_TOTAL FROM produtos")
	require.NoError(t, err)
	require.False(t, outcome.IsScalar())
	require.Len(t, outcome.Rows, 2)
	require.Equal(t, []string{"NOME_PRODUTO", "VENDA_TOTAL"}, outcome.Columns)
}

func TestSandbox_Run_Timeout(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, &fakeQuerier{block: true}, 50*time.Millisecond)

	start := time.Now()
	_, err := s.Run(context.Background(), "SELECT * FROM produtos")
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSandbox_Run_ContainsPanic(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, &fakeQuerier{panics: true}, time.Second)

	_, err := s.Run(context.Background(), "SELECT 1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestSandbox_Run_QueryError(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, &fakeQuerier{err: errors.New("binder error")}, time.Second)

	_, err := s.Run(context.Background(), "SELECT missing FROM produtos")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrForbidden)
}

func TestSandbox_Run_CancelledContext(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, &fakeQuerier{block: true}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.Canceled)
}
