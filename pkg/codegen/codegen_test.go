package codegen

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/varejotech/insights/pkg/llm"
	"github.com/varejotech/insights/pkg/prompts"
	"github.com/varejotech/insights/pkg/sandbox"
	"github.com/varejotech/insights/pkg/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "produtos.parquet")
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf(`COPY (SELECT * FROM (VALUES
		(369947, 'TECIDO ALGODAO', 'TECIDOS', 60.0, 40.0),
		(111222, 'LINHA COSTURA', 'ARMARINHO', 100.0, 130.0),
		(555666, 'BOTAO MADEIRA', 'ARMARINHO', 30.0, 20.0)
	) AS t(CODIGO, NOME_PRODUTO, NOMESEGMENTO, VENDA_MES_01, VENDA_MES_02)) TO '%s' (FORMAT PARQUET)`, path))
	require.NoError(t, err)

	s, err := store.New(store.Config{Logger: testLogger(t), ParquetPath: path})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func newTestAgent(t *testing.T, mock *llm.MockClient) *Agent {
	t.Helper()
	s := newTestStore(t)
	sb, err := sandbox.New(&sandbox.Config{Logger: testLogger(t), Querier: s, Timeout: 10 * time.Second})
	require.NoError(t, err)
	p, err := prompts.Load()
	require.NoError(t, err)

	a, err := New(&Config{
		Logger:  testLogger(t),
		LLM:     mock,
		Sandbox: sb,
		Store:   s,
		Prompts: p,
	})
	require.NoError(t, err)
	return a
}

func TestGenerate_ScalarBecomesText(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: "```json\n{\"sql\": \"SELECT 1 + 1 AS result\"}\n```", InputTokens: 200, OutputTokens: 30},
	}}
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "quanto é um mais um?", nil, Hints{})
	require.Equal(t, TypeText, result.Type)
	require.Equal(t, "2", result.Output)
	require.Equal(t, int64(230), result.TokensUsed)
}

func TestGenerate_RowsBecomeTable(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: `{"sql": "SELECT \"NOME_PRODUTO\", \"VENDA_TOTAL\" FROM produtos ORDER BY \"VENDA_TOTAL\" DESC"}`},
	}}
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "liste os produtos por venda", nil, Hints{})
	require.Equal(t, TypeTable, result.Type)
	require.Len(t, result.Rows, 3)
	require.Equal(t, []string{"NOME_PRODUTO", "VENDA_TOTAL"}, result.Columns)
}

func TestGenerate_ChartDirective(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: `{"sql": "SELECT \"NOME_PRODUTO\", \"VENDA_TOTAL\" FROM produtos ORDER BY \"VENDA_TOTAL\" DESC",
			"chart": {"kind": "bar", "x": "NOME_PRODUTO", "y": "VENDA_TOTAL", "title": "Vendas"}}`},
	}}
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "gráfico de vendas por produto", nil, Hints{})
	require.Equal(t, TypeChart, result.Type)
	require.NotNil(t, result.Chart)
	require.Equal(t, "bar", result.Chart.Kind)
	require.Equal(t, "LINHA COSTURA", result.Chart.Series[0].X[0])
}

func TestGenerate_CorrectsColumnCase(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: `{"sql": "SELECT \"nome_produto\", \"venda_total\" FROM produtos ORDER BY \"venda_total\" DESC"}`},
	}}
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "produtos por venda", nil, Hints{})
	require.Equal(t, TypeTable, result.Type)
	require.Contains(t, result.SQL, `"NOME_PRODUTO"`)
	require.Contains(t, result.SQL, `"VENDA_TOTAL"`)
}

func TestGenerate_PromptCarriesHints(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: `{"sql": "SELECT 1 + 1 AS result"}`},
	}}
	a := newTestAgent(t, mock)

	hints := Hints{
		Intent:   "generate_chart",
		Entities: map[string]any{"dimensao": "produto"},
	}
	result := a.Generate(context.Background(), "gráfico de vendas", nil, hints)
	require.Equal(t, TypeText, result.Type)

	require.Len(t, mock.Requests, 1)
	prompt := mock.Requests[0].Prompt
	require.Contains(t, prompt, "generate_chart")
	require.Contains(t, prompt, "dimensao")
	require.Contains(t, prompt, "produto")
}

func TestGenerate_LLMFailure(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{} // empty queue, no func: ErrDisabled
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "qualquer coisa", nil, Hints{})
	require.Equal(t, TypeError, result.Type)
	require.NotEmpty(t, result.Output)
}

func TestGenerate_UnparseableResponse(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: "não consigo gerar SQL para isso", InputTokens: 100, OutputTokens: 20},
	}}
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "pergunta estranha", nil, Hints{})
	require.Equal(t, TypeError, result.Type)
	require.Equal(t, int64(120), result.TokensUsed)
}

func TestGenerate_ForbiddenScript(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: `{"sql": "DROP TABLE produtos"}`},
	}}
	a := newTestAgent(t, mock)

	result := a.Generate(context.Background(), "apague tudo", nil, Hints{})
	require.Equal(t, TypeError, result.Type)
	require.Contains(t, result.Output, "segurança")
}

func TestGenerate_CachesResult(t *testing.T) {
	t.Parallel()

	mock := &llm.MockClient{Queue: []llm.Response{
		{Text: `{"sql": "SELECT 1 + 1 AS result"}`, InputTokens: 200, OutputTokens: 30},
	}}
	a := newTestAgent(t, mock)

	first := a.Generate(context.Background(), "quanto é um mais um?", nil, Hints{})
	require.Equal(t, TypeText, first.Type)
	a.cache.Wait()

	second := a.Generate(context.Background(), "quanto é um mais um?", nil, Hints{})
	require.Equal(t, TypeText, second.Type)
	require.Equal(t, "2", second.Output)
	require.Equal(t, int64(0), second.TokensUsed)
	require.Len(t, mock.Requests, 1)
}

func TestCorrectColumnNames_Boundaries(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, &llm.MockClient{})

	// Substrings of longer identifiers are left alone.
	script := a.correctColumnNames(`SELECT codigo, codigo_externo FROM produtos`)
	require.Equal(t, `SELECT CODIGO, codigo_externo FROM produtos`, script)
}
