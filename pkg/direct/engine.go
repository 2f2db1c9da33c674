package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/store"
)

// Lookup failures surfaced as error envelopes by the resolver.
var (
	ErrProductNotFound              = errors.New("product not found")
	ErrSegmentNotFound              = errors.New("segment not found")
	ErrBranchNotFound               = errors.New("branch not found")
	ErrInsufficientTemporalMetadata = errors.New("insufficient temporal metadata")
)

// Config holds the engine configuration.
type Config struct {
	Logger *slog.Logger
	Store  *store.Store
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Engine executes the deterministic query catalogue.
type Engine struct {
	log   *slog.Logger
	store *store.Store
}

func New(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate direct engine config: %w", err)
	}
	return &Engine{log: cfg.Logger, store: cfg.Store}, nil
}

// Execute runs one catalogue kind. Every envelope it returns carries
// tokens_used = 0; lookup failures come back as sentinel errors for the
// resolver to convert.
func (e *Engine) Execute(ctx context.Context, kind Kind, params map[string]any) (*envelope.Envelope, error) {
	switch kind {
	case KindTopProduct:
		return e.topProduct(ctx)
	case KindTopBranch:
		return e.topBranch(ctx)
	case KindTopSegment:
		return e.topSegment(ctx)
	case KindProductsNoSales:
		return e.productsNoSales(ctx)
	case KindStuckStock:
		return e.stuckStock(ctx)
	case KindTopProductsInSegment:
		return e.topProductsInSegment(ctx, paramString(params, "segmento"), paramInt(params, "limit", defaultSegmentLimit))
	case KindProductLookup:
		return e.productLookup(ctx, paramInt(params, "codigo", 0))
	case KindBranchLookup:
		return e.branchLookup(ctx, paramString(params, "une"))
	case KindProductSalesEvolution:
		return e.productSalesEvolution(ctx, paramInt(params, "codigo", 0))
	case KindGeneralAnalysis:
		return e.generalAnalysis(), nil
	default:
		return nil, fmt.Errorf("unknown query kind %q", kind)
	}
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
