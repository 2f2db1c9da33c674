// Package codegen asks the model for an analytical SQL script grounded
// in the dataset schema, column descriptions and a data preview, then
// runs it through the sandbox and marshals the outcome.
package codegen

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/varejotech/insights/pkg/catalog"
	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/llm"
	"github.com/varejotech/insights/pkg/prompts"
	"github.com/varejotech/insights/pkg/sandbox"
	"github.com/varejotech/insights/pkg/store"
	"github.com/varejotech/insights/pkg/vecindex"
)

const (
	previewRows     = 5
	relevantColumns = 8
)

// Result types.
const (
	TypeText  = "text"
	TypeTable = "table"
	TypeChart = "chart"
	TypeError = "error"
)

// Result is the marshalled outcome of one generation round.
type Result struct {
	Type       string
	Output     string
	Columns    []string
	Rows       []store.Row
	Chart      *envelope.FigureSpec
	SQL        string
	TokensUsed int64
}

// chartRequest is the model's optional chart directive.
type chartRequest struct {
	Kind  string `json:"kind"`
	X     string `json:"x"`
	Y     string `json:"y"`
	Title string `json:"title"`
}

// generation is the JSON contract the model answers with.
type generation struct {
	SQL   string        `json:"sql"`
	Chart *chartRequest `json:"chart"`
}

// Hints carries the graph's classification into the prompt, so the
// model sees what the user asked for beyond the raw utterance.
type Hints struct {
	Intent   string
	Entities map[string]any
}

// Config holds the agent configuration.
type Config struct {
	Logger  *slog.Logger
	LLM     llm.Client
	Sandbox *sandbox.Sandbox
	Store   *store.Store
	Index   *vecindex.Index
	Catalog *catalog.Catalog
	Prompts *prompts.Prompts
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Sandbox == nil {
		return errors.New("sandbox is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Prompts == nil {
		return errors.New("prompts are required")
	}
	return nil
}

// Agent generates and executes analytical scripts.
type Agent struct {
	log   *slog.Logger
	cfg   *Config
	cache *ristretto.Cache
}

func New(cfg *Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate codegen config: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create codegen cache: %w", err)
	}
	return &Agent{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

// Generate turns the utterance into an executed analytical result.
// Results are cached per (utterance, hints, catalogue version, preview).
func (a *Agent) Generate(ctx context.Context, utterance string, preview []store.Row, hints Hints) Result {
	key := a.cacheKey(utterance, preview, hints)
	if val, ok := a.cache.Get(key); ok {
		cached := val.(Result)
		cached.TokensUsed = 0
		return cached
	}

	prompt, err := a.buildPrompt(ctx, utterance, preview, hints)
	if err != nil {
		return Result{Type: TypeError, Output: fmt.Sprintf("não foi possível montar o contexto: %v", err)}
	}

	resp := a.cfg.LLM.Complete(ctx, llm.Request{
		System: a.cfg.Prompts.CodeGen,
		Prompt: prompt,
	})
	if resp.Err != nil {
		return Result{Type: TypeError, Output: fmt.Sprintf("falha na geração: %v", resp.Err)}
	}

	var gen generation
	raw := llm.ExtractJSON(resp.Text)
	if raw == "" || json.Unmarshal([]byte(raw), &gen) != nil || strings.TrimSpace(gen.SQL) == "" {
		a.log.Warn("codegen: unparseable generation", "response_len", len(resp.Text))
		return Result{Type: TypeError, Output: "a resposta do modelo não continha um script válido", TokensUsed: resp.Tokens()}
	}

	script := a.correctColumnNames(gen.SQL)
	outcome, err := a.cfg.Sandbox.Run(ctx, script)
	if err != nil {
		a.log.Warn("codegen: script execution failed", "error", err)
		return Result{
			Type:       TypeError,
			Output:     executionErrorMessage(err),
			SQL:        script,
			TokensUsed: resp.Tokens(),
		}
	}

	result := marshalOutcome(outcome, gen.Chart)
	result.SQL = script
	result.TokensUsed = resp.Tokens()

	a.cache.Set(key, result, int64(len(script)+len(result.Output)+64))
	return result
}

func (a *Agent) cacheKey(utterance string, preview []store.Row, hints Hints) string {
	h := md5.New()
	h.Write([]byte(utterance))
	h.Write([]byte("\x00" + hints.Intent + "\x00"))
	if data, err := json.Marshal(hints.Entities); err == nil {
		h.Write(data)
	}
	if a.cfg.Catalog != nil {
		h.Write([]byte(a.cfg.Catalog.ModTime().String()))
	}
	if data, err := json.Marshal(preview); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// buildPrompt assembles the RAG context: classified intent and
// entities, schema, relevant column descriptions, canonical naming
// guidance and a short data preview.
func (a *Agent) buildPrompt(ctx context.Context, utterance string, preview []store.Row, hints Hints) (string, error) {
	schema, err := a.cfg.Store.Schema(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Pergunta: ")
	sb.WriteString(utterance)
	sb.WriteString("\n")
	if hints.Intent != "" {
		sb.WriteString("Intenção classificada: " + hints.Intent + "\n")
	}
	if len(hints.Entities) > 0 {
		if data, err := json.Marshal(hints.Entities); err == nil {
			sb.WriteString("Entidades reconhecidas: ")
			sb.Write(data)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nEsquema da tabela:\n")
	sb.WriteString(schema)

	if descriptions := a.columnDescriptions(utterance); len(descriptions) > 0 {
		sb.WriteString("\nColunas mais relevantes:\n")
		for _, line := range descriptions {
			sb.WriteString("  - " + line + "\n")
		}
	}

	sb.WriteString("\nUse os nomes de coluna EXATAMENTE como aparecem no esquema acima.\n")

	if len(preview) > 0 {
		if len(preview) > previewRows {
			preview = preview[:previewRows]
		}
		if data, err := json.Marshal(preview); err == nil {
			sb.WriteString("\nAmostra dos dados:\n")
			sb.Write(data)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// columnDescriptions merges the vector index's top matches with the
// catalogue text. Both sources are optional.
func (a *Agent) columnDescriptions(utterance string) []string {
	var out []string
	seen := map[string]bool{}

	if a.cfg.Index != nil {
		for _, match := range a.cfg.Index.FindRelevantColumns(utterance, relevantColumns) {
			seen[strings.ToLower(match.Doc.Column)] = true
			out = append(out, fmt.Sprintf("%s: %s", match.Doc.Column, match.Doc.Description))
		}
	}
	if a.cfg.Catalog != nil {
		for _, column := range a.cfg.Store.ColumnNames() {
			if seen[strings.ToLower(column)] {
				continue
			}
			if desc, ok := a.cfg.Catalog.Describe(column); ok {
				out = append(out, fmt.Sprintf("%s: %s", column, desc))
			}
		}
	}
	return out
}

// correctColumnNames rewrites miscapitalised column references to the
// real schema names before execution.
func (a *Agent) correctColumnNames(script string) string {
	for _, column := range a.cfg.Store.ColumnNames() {
		lower := strings.ToLower(column)
		idx := 0
		for {
			pos := strings.Index(strings.ToLower(script[idx:]), lower)
			if pos == -1 {
				break
			}
			start := idx + pos
			end := start + len(column)
			if isIdentBoundary(script, start, end) && script[start:end] != column {
				script = script[:start] + column + script[end:]
			}
			idx = end
		}
	}
	return script
}

// isIdentBoundary reports whether script[start:end] is a standalone
// identifier, not part of a longer one.
func isIdentBoundary(script string, start, end int) bool {
	identChar := func(b byte) bool {
		return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
	}
	if start > 0 && identChar(script[start-1]) {
		return false
	}
	if end < len(script) && identChar(script[end]) {
		return false
	}
	return true
}

// marshalOutcome maps a sandbox outcome to a typed result: scalar to
// text, rows under a chart directive to a figure, rows to a table.
func marshalOutcome(outcome *sandbox.Outcome, chart *chartRequest) Result {
	if outcome.IsScalar() {
		return Result{Type: TypeText, Output: outcome.ScalarText}
	}
	if len(outcome.Rows) == 0 {
		return Result{Type: TypeText, Output: "a consulta não retornou dados"}
	}
	if chart != nil {
		if spec := buildFigure(outcome, chart); spec != nil {
			return Result{Type: TypeChart, Chart: spec, Columns: outcome.Columns, Rows: outcome.Rows}
		}
	}
	return Result{Type: TypeTable, Columns: outcome.Columns, Rows: outcome.Rows}
}

// buildFigure renders the chart directive against the result rows. The
// axis columns default to the first two output columns.
func buildFigure(outcome *sandbox.Outcome, chart *chartRequest) *envelope.FigureSpec {
	if len(outcome.Columns) < 2 {
		return nil
	}
	xCol, yCol := chart.X, chart.Y
	if _, ok := outcome.Rows[0][xCol]; !ok {
		xCol = outcome.Columns[0]
	}
	if _, ok := outcome.Rows[0][yCol]; !ok {
		yCol = outcome.Columns[1]
	}

	kind := chart.Kind
	switch kind {
	case "bar", "line", "pie", "scatter":
	default:
		kind = "bar"
	}

	x := make([]any, len(outcome.Rows))
	y := make([]any, len(outcome.Rows))
	for n, row := range outcome.Rows {
		x[n] = row[xCol]
		y[n] = row[yCol]
	}
	return &envelope.FigureSpec{
		Kind:   kind,
		Series: []envelope.Series{{X: x, Y: y}},
		Layout: envelope.Layout{Title: chart.Title, XLabel: xCol, YLabel: yCol},
	}
}

func executionErrorMessage(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return "a análise excedeu o tempo limite; tente uma pergunta mais simples"
	case errors.Is(err, sandbox.ErrForbidden):
		return "o script gerado foi rejeitado pelas regras de segurança"
	default:
		return fmt.Sprintf("falha ao executar a análise: %v", err)
	}
}
