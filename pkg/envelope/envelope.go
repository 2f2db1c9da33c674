// Package envelope defines the uniform result structure every core
// operation returns to the gateway, plus the renderer-agnostic figure
// specification attached to chart results.
package envelope

import (
	"math"
	"time"
)

// Source identifies which resolution tier produced an envelope.
type Source string

const (
	SourceCache    Source = "cache"
	SourceDirect   Source = "direct"
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// Generic envelope types emitted by the LLM-graph and failure paths.
const (
	TypeChart         = "chart"
	TypeData          = "data"
	TypeText          = "text"
	TypeClarification = "clarification"
	TypeError         = "error"
	TypeFallback      = "fallback"
)

// Domain envelope types emitted by the direct query engine.
const (
	TypeProductRanking    = "produto_ranking"
	TypeBranchRanking     = "une_ranking"
	TypeSegmentRanking    = "segmento_ranking"
	TypeProductDetail     = "produto_especifico"
	TypeBranchDetail      = "une_especifica"
	TypeProductsNoSales   = "produtos_sem_venda"
	TypeStuckStock        = "estoque_parado"
	TypeSegmentTop        = "top_produtos_segmento"
	TypeSalesEvolution    = "evolucao_vendas"
	TypeNotImplemented    = "nao_implementado"
)

// Envelope is the uniform result returned for every processed utterance.
// It is JSON-serialisable after Sanitize.
type Envelope struct {
	Type           string         `json:"type"`
	Title          string         `json:"title,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Summary        string         `json:"summary"`
	Chart          *FigureSpec    `json:"chart,omitempty"`
	TokensUsed     int            `json:"tokens_used"`
	TokensSaved    int            `json:"tokens_saved"`
	Source         Source         `json:"source"`
	ProcessingTime float64        `json:"processing_time_s"`
	UserQuery      string         `json:"user_query"`
}

// FigureSpec is a declarative chart description. It carries no live
// object references and is write-once after construction.
type FigureSpec struct {
	Kind   string   `json:"kind"` // bar, line, pie, scatter
	Series []Series `json:"series"`
	Layout Layout   `json:"layout"`
}

// Series holds one plotted sequence.
type Series struct {
	Name string `json:"name,omitempty"`
	X    []any  `json:"x"`
	Y    []any  `json:"y"`
}

// Layout holds chart-level presentation hints.
type Layout struct {
	Title  string `json:"title,omitempty"`
	XLabel string `json:"x_label,omitempty"`
	YLabel string `json:"y_label,omitempty"`
}

// Error builds an error envelope for the given utterance. The summary is
// the user-visible message; diagnostics belong in the logs.
func Error(userQuery, summary string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Summary:   summary,
		UserQuery: userQuery,
	}
}

// Sanitize walks the envelope and replaces values that do not survive JSON
// encoding: NaN/Inf become nil, byte slices become strings, and times are
// rendered as RFC 3339. The envelope is modified in place and returned.
func Sanitize(env *Envelope) *Envelope {
	if env == nil {
		return nil
	}
	env.Result = sanitizeMap(env.Result)
	if env.Chart != nil {
		for i := range env.Chart.Series {
			env.Chart.Series[i].X = sanitizeSlice(env.Chart.Series[i].X)
			env.Chart.Series[i].Y = sanitizeSlice(env.Chart.Series[i].Y)
		}
	}
	if math.IsNaN(env.ProcessingTime) || math.IsInf(env.ProcessingTime, 0) {
		env.ProcessingTime = 0
	}
	return env
}

// SanitizeValue normalizes a single value for JSON encoding.
func SanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]any:
		return sanitizeMap(val)
	case []any:
		return sanitizeSlice(val)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, m := range val {
			out[i] = sanitizeMap(m)
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = SanitizeValue(v)
	}
	return m
}

func sanitizeSlice(s []any) []any {
	for i, v := range s {
		s[i] = SanitizeValue(v)
	}
	return s
}
