// Package graph walks the staged LLM path: classify the utterance,
// optionally ask for clarification, derive a filter spec, execute it
// and optionally generate a chart. Every node catches its own failure
// into the state; Run always produces a well-formed envelope.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/varejotech/insights/pkg/catalog"
	"github.com/varejotech/insights/pkg/codegen"
	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/llm"
	"github.com/varejotech/insights/pkg/prompts"
	"github.com/varejotech/insights/pkg/store"
	"github.com/varejotech/insights/pkg/vecindex"
)

// Intent labels the model assigns to an utterance.
type Intent string

const (
	IntentGenerateChart Intent = "generate_chart"
	IntentComplexQuery  Intent = "complex_query"
	IntentSimpleAnswer  Intent = "simple_answer"
)

const (
	previewRows     = 5
	relevantColumns = 8
	payloadRowCap   = 1000
)

// State is the conversation bundle the nodes build up. Nodes only add;
// nothing is overwritten once set.
type State struct {
	UserQuery string

	Intent   Intent
	Entities map[string]any

	ClarificationNeeded  bool
	ClarificationOptions []string

	Filters map[string]string
	Rows    []store.Row
	Columns []string

	// QueryError is the user-facing message of a failed node.
	QueryError string

	Chart     *envelope.FigureSpec
	ChartText string

	TokensUsed int64
}

// Config holds the graph configuration.
type Config struct {
	Logger  *slog.Logger
	LLM     llm.Client
	Store   *store.Store
	CodeGen *codegen.Agent
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
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.CodeGen == nil {
		return errors.New("codegen agent is required")
	}
	if c.Prompts == nil {
		return errors.New("prompts are required")
	}
	return nil
}

// Graph runs the staged pipeline.
type Graph struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate graph config: %w", err)
	}
	return &Graph{log: cfg.Logger, cfg: cfg}, nil
}

// Run walks the node topology for one utterance and returns the final
// envelope. It never returns an error; failures become error envelopes.
func (g *Graph) Run(ctx context.Context, utterance string) *envelope.Envelope {
	st := &State{UserQuery: utterance, Entities: map[string]any{}}

	g.classifyIntent(ctx, st)

	if st.Intent == IntentGenerateChart {
		g.clarifyRequirements(st)
		if st.ClarificationNeeded {
			return g.formatFinalResponse(st)
		}
	}

	g.generateFilterSpec(ctx, st)
	g.executeQuery(ctx, st)

	if st.Intent == IntentGenerateChart && st.QueryError == "" {
		g.generateChartSpec(ctx, st)
	}

	return g.formatFinalResponse(st)
}

// classification is the JSON contract of the classify node.
type classification struct {
	Intent   string         `json:"intent"`
	Entities map[string]any `json:"entities"`
}

// classifyIntent asks the model for the utterance's intent. Anything
// unparseable defaults to simple_answer.
func (g *Graph) classifyIntent(ctx context.Context, st *State) {
	resp := g.cfg.LLM.Complete(ctx, llm.Request{
		System: g.cfg.Prompts.ClassifyIntent,
		Prompt: "Pergunta: " + st.UserQuery,
	})
	st.TokensUsed += resp.Tokens()
	if resp.Err != nil {
		g.log.Warn("graph: classify failed, defaulting to simple_answer", "error", resp.Err)
		st.Intent = IntentSimpleAnswer
		return
	}

	var parsed classification
	raw := llm.ExtractJSON(resp.Text)
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil {
		g.log.Warn("graph: unparseable classification, defaulting to simple_answer")
		st.Intent = IntentSimpleAnswer
		return
	}

	switch Intent(parsed.Intent) {
	case IntentGenerateChart, IntentComplexQuery, IntentSimpleAnswer:
		st.Intent = Intent(parsed.Intent)
	default:
		st.Intent = IntentSimpleAnswer
	}
	if parsed.Entities != nil {
		st.Entities = parsed.Entities
	}
}

var (
	temporalWords  = []string{"mes", "mês", "mensal", "mensais", "evolução", "evolucao", "tendência", "tendencia", "ano", "período", "periodo", "histórico", "historico", "trimestre"}
	dimensionWords = []string{"produto", "segmento", "une", "categoria", "fabricante", "grupo"}
	metricWords    = []string{"venda", "vendas", "estoque", "preço", "preco", "faturamento", "quantidade"}
)

// clarificationMenu is offered when a chart request is underspecified.
var clarificationMenu = []string{
	"vendas por segmento",
	"vendas por une",
	"evolução mensal de vendas de um produto",
	"estoque por segmento",
}

// clarifyRequirements checks whether a chart request names enough to
// plot: temporal language, or a dimension plus a metric. Deterministic.
func (g *Graph) clarifyRequirements(st *State) {
	text := strings.ToLower(st.UserQuery)

	if containsAny(text, temporalWords) {
		return
	}
	if containsAny(text, dimensionWords) && containsAny(text, metricWords) {
		return
	}

	st.ClarificationNeeded = true
	st.ClarificationOptions = clarificationMenu
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// filterSpec is the JSON contract of the filter node.
type filterSpec struct {
	Filters map[string]string `json:"filters"`
	Limit   int               `json:"limit"`
}

// generateFilterSpec asks the model for a filter spec over the schema.
// Parse failures degrade to an empty filter, which the store answers
// with a bounded sample.
func (g *Graph) generateFilterSpec(ctx context.Context, st *State) {
	schema, err := g.cfg.Store.Schema(ctx)
	if err != nil {
		g.log.Warn("graph: schema unavailable, sampling", "error", err)
		st.Filters = map[string]string{}
		return
	}

	var sb strings.Builder
	sb.WriteString("Pergunta: ")
	sb.WriteString(st.UserQuery)
	sb.WriteString("\n\nEsquema da tabela:\n")
	sb.WriteString(schema)
	if lines := g.columnDescriptions(st.UserQuery); len(lines) > 0 {
		sb.WriteString("\nColunas mais relevantes:\n")
		for _, line := range lines {
			sb.WriteString("  - " + line + "\n")
		}
	}

	resp := g.cfg.LLM.Complete(ctx, llm.Request{
		System: g.cfg.Prompts.FilterSpec,
		Prompt: sb.String(),
	})
	st.TokensUsed += resp.Tokens()
	if resp.Err != nil {
		g.log.Warn("graph: filter generation failed, sampling", "error", resp.Err)
		st.Filters = map[string]string{}
		return
	}

	var spec filterSpec
	raw := llm.ExtractJSON(resp.Text)
	if raw == "" || json.Unmarshal([]byte(raw), &spec) != nil || spec.Filters == nil {
		g.log.Warn("graph: unparseable filter spec, sampling")
		st.Filters = map[string]string{}
		return
	}
	st.Filters = spec.Filters
}

func (g *Graph) columnDescriptions(utterance string) []string {
	var out []string
	if g.cfg.Index != nil {
		for _, match := range g.cfg.Index.FindRelevantColumns(utterance, relevantColumns) {
			out = append(out, fmt.Sprintf("%s: %s", match.Doc.Column, match.Doc.Description))
		}
	}
	if g.cfg.Catalog != nil && len(out) == 0 {
		for _, column := range g.cfg.Store.ColumnNames() {
			if desc, ok := g.cfg.Catalog.Describe(column); ok {
				out = append(out, fmt.Sprintf("%s: %s", column, desc))
			}
		}
	}
	return out
}

// executeQuery runs the filter spec against the store. A bad filter
// becomes a user-facing message listing the available columns.
func (g *Graph) executeQuery(ctx context.Context, st *State) {
	rows, err := g.cfg.Store.ExecuteQuery(ctx, st.Filters)
	if err != nil {
		var badQuery *store.BadQueryError
		if errors.As(err, &badQuery) {
			st.QueryError = fmt.Sprintf("coluna inválida %q; colunas disponíveis: %s",
				badQuery.Column, strings.Join(badQuery.Available, ", "))
			return
		}
		st.QueryError = fmt.Sprintf("falha ao consultar os dados: %v", err)
		return
	}
	st.Rows = rows
	if len(rows) > 0 {
		for column := range rows[0] {
			st.Columns = append(st.Columns, column)
		}
		sort.Strings(st.Columns)
	}
}

// generateChartSpec delegates to the code-gen agent. A chart result is
// attached; an error or text result downgrades the response to text.
func (g *Graph) generateChartSpec(ctx context.Context, st *State) {
	preview := st.Rows
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}

	result := g.cfg.CodeGen.Generate(ctx, st.UserQuery, preview, codegen.Hints{
		Intent:   string(st.Intent),
		Entities: st.Entities,
	})
	st.TokensUsed += result.TokensUsed

	switch result.Type {
	case codegen.TypeChart:
		st.Chart = result.Chart
	default:
		// Errors and plain text both degrade: the formatter prefers the
		// already retrieved rows and keeps the text as a last resort.
		st.ChartText = result.Output
	}
}

// formatFinalResponse builds the envelope, in priority order:
// clarification, chart, tabular data, text. Always echoes the query.
func (g *Graph) formatFinalResponse(st *State) *envelope.Envelope {
	env := &envelope.Envelope{
		UserQuery:  st.UserQuery,
		TokensUsed: int(st.TokensUsed),
		Source:     envelope.SourceLLM,
	}

	switch {
	case st.ClarificationNeeded:
		env.Type = envelope.TypeClarification
		env.Title = "Preciso de mais detalhes"
		env.Summary = "Me diga qual visualização você quer; algumas opções abaixo."
		env.Result = map[string]any{"opcoes": st.ClarificationOptions}

	case st.Chart != nil:
		env.Type = envelope.TypeChart
		env.Title = st.Chart.Layout.Title
		env.Summary = fmt.Sprintf("Gráfico gerado a partir de %d linhas", len(st.Rows))
		env.Chart = st.Chart
		env.Result = map[string]any{"linhas": len(st.Rows)}

	case len(st.Rows) > 0:
		rows := st.Rows
		if len(rows) > payloadRowCap {
			rows = rows[:payloadRowCap]
		}
		env.Type = envelope.TypeData
		env.Title = "Resultado da consulta"
		env.Summary = fmt.Sprintf("Consulta retornou %d linhas", len(st.Rows))
		env.Result = map[string]any{
			"linhas":  len(st.Rows),
			"colunas": st.Columns,
			"dados":   rows,
		}

	case st.QueryError != "":
		env.Type = envelope.TypeError
		env.Summary = st.QueryError

	case st.ChartText != "":
		env.Type = envelope.TypeText
		env.Summary = st.ChartText

	default:
		env.Type = envelope.TypeText
		env.Summary = "A consulta não retornou dados."
	}

	return envelope.Sanitize(env)
}
