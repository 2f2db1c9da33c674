// Package resolver routes each utterance through the cheapest tier able
// to answer it: the envelope cache, then the deterministic direct
// engine, and only then the LLM graph, guarded by a daily token budget
// and a complexity heuristic. Process never returns an error; every
// failure is expressed as an envelope.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/varejotech/insights/pkg/cache"
	"github.com/varejotech/insights/pkg/direct"
	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/graph"
	"github.com/varejotech/insights/pkg/llm"
	"github.com/varejotech/insights/pkg/store"
)

const defaultDailyTokenBudget = 100_000

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_resolver_requests_total",
		Help: "Processed utterances by resolution source.",
	}, []string{"source"})
	tokensUsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_resolver_tokens_used_total",
		Help: "LLM tokens spent answering utterances.",
	})
	tokensSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_resolver_tokens_saved_total",
		Help: "Estimated LLM tokens avoided by the cache and direct tiers.",
	})
)

// Stats is a snapshot of the resolver counters. The per-source counts
// always sum to Total.
type Stats struct {
	Total     int64 `json:"total"`
	CacheHits int64 `json:"cache_hits"`
	Direct    int64 `json:"direct"`
	LLM       int64 `json:"llm"`
	Fallback  int64 `json:"fallback"`

	TokensUsed  int64 `json:"tokens_used"`
	TokensSaved int64 `json:"tokens_saved"`
	// EconomyEfficiency is the fraction of requests answered by the
	// cache or the direct engine.
	EconomyEfficiency float64 `json:"economy_efficiency"`
	BudgetRemaining   int64   `json:"budget_remaining"`
}

// Config holds the resolver configuration.
type Config struct {
	Logger *slog.Logger
	Cache  *cache.Cache
	Direct *direct.Engine

	// Graph and LLM are optional; without them the LLM tier is disabled
	// and interpretive questions fall back to suggestions.
	Graph *graph.Graph
	LLM   llm.Client

	// BudgetPath persists the daily spend; empty keeps it in memory.
	BudgetPath       string
	DailyTokenBudget int64
	Clock            clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.Direct == nil {
		return errors.New("direct engine is required")
	}
	if c.DailyTokenBudget <= 0 {
		c.DailyTokenBudget = defaultDailyTokenBudget
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Resolver answers utterances through the tiered pipeline.
type Resolver struct {
	log    *slog.Logger
	cfg    *Config
	clock  clockwork.Clock
	budget *tokenBudget

	total     atomic.Int64
	cacheHits atomic.Int64
	direct    atomic.Int64
	llmCalls  atomic.Int64
	fallbacks atomic.Int64
	used      atomic.Int64
	saved     atomic.Int64
}

func New(cfg *Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate resolver config: %w", err)
	}
	return &Resolver{
		log:    cfg.Logger,
		cfg:    cfg,
		clock:  cfg.Clock,
		budget: newTokenBudget(cfg.BudgetPath, cfg.DailyTokenBudget, cfg.Clock),
	}, nil
}

type options struct {
	forceDirect bool
}

// Option adjusts a single Process call.
type Option func(*options)

// ForceDirect skips the LLM tier even for questions the heuristic would
// escalate.
func ForceDirect() Option {
	return func(o *options) { o.forceDirect = true }
}

// Process answers one utterance. It never returns nil and never panics
// outward; every outcome is an envelope with source, token accounting
// and processing time filled in.
func (r *Resolver) Process(ctx context.Context, utterance string, opts ...Option) *envelope.Envelope {
	start := r.clock.Now()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	env := r.resolve(ctx, strings.TrimSpace(utterance), &o)

	env.UserQuery = utterance
	env.ProcessingTime = r.clock.Since(start).Seconds()
	r.count(env)
	return envelope.Sanitize(env)
}

func (r *Resolver) resolve(ctx context.Context, utterance string, o *options) *envelope.Envelope {
	if utterance == "" {
		env := envelope.Error(utterance, "a pergunta está vazia; me diga o que você quer saber")
		env.Source = envelope.SourceFallback
		return env
	}

	kind, params := direct.ClassifyIntent(utterance)

	if kind != direct.KindGeneralAnalysis {
		if cached, ok := r.cfg.Cache.Get(string(kind), params); ok {
			hit := *cached
			hit.Source = envelope.SourceCache
			hit.TokensUsed = 0
			hit.TokensSaved = int(tokensSavedEstimate(utterance))
			return &hit
		}

		env, err := r.cfg.Direct.Execute(ctx, kind, params)
		if err != nil {
			return r.directError(utterance, params, err)
		}
		saved := tokensSavedEstimate(utterance)
		snapshot := *env
		r.cfg.Cache.Put(string(kind), params, &snapshot, saved)
		env.Source = envelope.SourceDirect
		env.TokensSaved = int(saved)
		return env
	}

	if o.forceDirect {
		env, err := r.cfg.Direct.Execute(ctx, kind, params)
		if err != nil {
			return r.directError(utterance, params, err)
		}
		env.Source = envelope.SourceDirect
		return env
	}

	switch {
	case r.cfg.Graph == nil || r.cfg.LLM == nil || !r.cfg.LLM.Enabled():
		return r.fallback("a análise avançada está desligada")
	case !hasInterpretiveCue(utterance):
		return r.fallback("não reconheci a pergunta")
	case r.budget.remaining() <= 0:
		r.log.Warn("resolver: daily token budget exhausted")
		return r.fallback("o limite diário de análises avançadas foi atingido")
	}

	env := r.cfg.Graph.Run(ctx, utterance)
	env.Source = envelope.SourceLLM
	if err := r.budget.spend(int64(env.TokensUsed)); err != nil {
		r.log.Warn("resolver: failed to persist token budget", "error", err)
	}
	return env
}

// directError turns the engine's sentinel errors into user-facing
// envelopes. Unknown-column failures list what the dataset does have.
func (r *Resolver) directError(utterance string, params map[string]any, err error) *envelope.Envelope {
	var badQuery *store.BadQueryError
	var summary string
	switch {
	case errors.As(err, &badQuery):
		summary = fmt.Sprintf("a base atual não tem a coluna %q; colunas disponíveis: %s",
			badQuery.Column, strings.Join(badQuery.Available, ", "))
	case errors.Is(err, direct.ErrProductNotFound):
		summary = fmt.Sprintf("produto %v não encontrado na base", params["codigo"])
	case errors.Is(err, direct.ErrSegmentNotFound):
		summary = fmt.Sprintf("segmento %q não encontrado na base", params["segmento"])
	case errors.Is(err, direct.ErrBranchNotFound):
		summary = fmt.Sprintf("une %q não encontrada na base", params["une"])
	case errors.Is(err, direct.ErrInsufficientTemporalMetadata):
		summary = "as colunas de venda não informam o ano, então não dá para montar a evolução mensal"
	case errors.Is(err, store.ErrDataUnavailable):
		summary = "a base de dados está indisponível no momento"
	default:
		r.log.Error("resolver: direct execution failed", "error", err)
		summary = "não foi possível responder a essa pergunta agora"
	}
	env := envelope.Error(utterance, summary)
	env.Source = envelope.SourceDirect
	return env
}

// fallbackSuggestions are offered when the LLM tier cannot run.
var fallbackSuggestions = []string{
	"qual o produto mais vendido?",
	"top 10 produtos do segmento tecidos",
	"quais os produtos sem venda?",
	"quanto temos de estoque parado?",
	"vendas da une centro",
	"evolução de vendas do produto 369947",
}

func (r *Resolver) fallback(reason string) *envelope.Envelope {
	return &envelope.Envelope{
		Type:    envelope.TypeFallback,
		Source:  envelope.SourceFallback,
		Title:   "Posso ajudar com estas consultas",
		Summary: reason + "; tente uma das perguntas abaixo.",
		Result:  map[string]any{"sugestoes": fallbackSuggestions},
	}
}

// interpretiveCues mark questions that need reasoning rather than a
// lookup. Only these are worth LLM tokens.
var interpretiveCues = []string{
	"por que", "porque", "por quê",
	"como", "explique", "explica", "entenda",
	"analise", "análise", "analisar",
	"compare", "comparar", "comparação", "comparacao",
	"tendência", "tendencia", "previsão", "previsao", "projeção", "projecao",
	"detalhe", "insight", "recomend", "sugira", "estratégia", "estrategia",
}

func hasInterpretiveCue(utterance string) bool {
	text := strings.ToLower(utterance)
	for _, cue := range interpretiveCues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

// chartOrAnalysisCues raise the saved-token estimate: these answers
// would have needed a longer LLM completion.
var chartOrAnalysisCues = []string{"gráfico", "grafico", "chart", "visualiza", "análise", "analise", "analis"}

// tokensSavedEstimate approximates the LLM tokens a cached or direct
// answer avoided: two tokens per word plus prompt overhead, half again
// for chart or analysis requests.
func tokensSavedEstimate(utterance string) int64 {
	words := len(strings.Fields(utterance))
	base := float64(words*2 + 150)
	text := strings.ToLower(utterance)
	for _, cue := range chartOrAnalysisCues {
		if strings.Contains(text, cue) {
			return int64(base * 1.5)
		}
	}
	return int64(base)
}

func (r *Resolver) count(env *envelope.Envelope) {
	r.total.Add(1)
	switch env.Source {
	case envelope.SourceCache:
		r.cacheHits.Add(1)
	case envelope.SourceDirect:
		r.direct.Add(1)
	case envelope.SourceLLM:
		r.llmCalls.Add(1)
	default:
		r.fallbacks.Add(1)
	}
	r.used.Add(int64(env.TokensUsed))
	r.saved.Add(int64(env.TokensSaved))

	requestsTotal.WithLabelValues(string(env.Source)).Inc()
	tokensUsedTotal.Add(float64(env.TokensUsed))
	tokensSavedTotal.Add(float64(env.TokensSaved))
}

// Stats snapshots the counters.
func (r *Resolver) Stats() Stats {
	stats := Stats{
		Total:           r.total.Load(),
		CacheHits:       r.cacheHits.Load(),
		Direct:          r.direct.Load(),
		LLM:             r.llmCalls.Load(),
		Fallback:        r.fallbacks.Load(),
		TokensUsed:      r.used.Load(),
		TokensSaved:     r.saved.Load(),
		BudgetRemaining: r.budget.remaining(),
	}
	if stats.Total > 0 {
		stats.EconomyEfficiency = float64(stats.CacheHits+stats.Direct) / float64(stats.Total)
	}
	return stats
}

// CacheStats exposes the underlying envelope-cache counters.
func (r *Resolver) CacheStats() cache.Stats {
	return r.cfg.Cache.Stats()
}
