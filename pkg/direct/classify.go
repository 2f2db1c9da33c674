// Package direct answers the common catalogue of business questions
// with deterministic classification and pure queries over the store.
// Nothing in this package spends tokens.
package direct

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind tags one deterministic query in the catalogue.
type Kind string

const (
	KindTopProduct            Kind = "top_product"
	KindTopBranch             Kind = "top_branch"
	KindTopSegment            Kind = "top_segment"
	KindProductsNoSales       Kind = "products_no_sales"
	KindStuckStock            Kind = "stuck_stock"
	KindTopProductsInSegment  Kind = "top_products_in_segment"
	KindProductLookup         Kind = "product_lookup"
	KindBranchLookup          Kind = "branch_lookup"
	KindProductSalesEvolution Kind = "product_sales_evolution"
	KindGeneralAnalysis       Kind = "general_analysis"
)

const (
	defaultSegmentLimit = 10
	maxSegmentLimit     = 50
)

var (
	// "evolução de vendas do produto 369947" and variants.
	evolutionPattern = regexp.MustCompile(`evolu\S*.*?\b(\d{3,7})\b`)

	// "top 10 produtos ... segmento TECIDOS"; the count is optional.
	segmentTopPattern = regexp.MustCompile(`top\s*(\d+)?\s*produtos.*?segmento\s+(.+)`)

	// Bare product codes are 5 to 7 digits.
	productCodePattern = regexp.MustCompile(`\b(\d{5,7})\b`)

	// "une centro", "vendas da une norte".
	branchPattern = regexp.MustCompile(`\bune\s+([\p{L}\d][\p{L}\d ]*)`)
)

// keywordTable maps fixed phrases to kinds. Checked in order after the
// structured patterns; the first phrase found in the utterance wins.
var keywordTable = []struct {
	kind    Kind
	phrases []string
}{
	{KindTopProduct, []string{"produto mais vendido", "produtos mais vendidos", "mais vendido"}},
	{KindTopBranch, []string{"une que mais vendeu", "une que mais vende", "melhor une", "ranking de unes"}},
	{KindTopSegment, []string{"segmento que mais vende", "segmento que mais vendeu", "melhor segmento", "ranking de segmentos"}},
	{KindProductsNoSales, []string{"produtos sem venda", "sem vendas", "produtos que nao venderam", "produtos que não venderam"}},
	{KindStuckStock, []string{"estoque parado", "estoque sem giro", "capital parado"}},
}

// ClassifyIntent maps an utterance to a query kind and its parameters.
// Deterministic: lowercases the input and applies, in order, the
// evolution pattern, the top-N-in-segment pattern, the keyword table,
// the bare product code, the branch name, and finally general_analysis.
func ClassifyIntent(utterance string) (Kind, map[string]any) {
	text := strings.ToLower(strings.TrimSpace(utterance))

	if m := evolutionPattern.FindStringSubmatch(text); m != nil {
		code, _ := strconv.Atoi(m[1])
		return KindProductSalesEvolution, map[string]any{"codigo": code}
	}

	if m := segmentTopPattern.FindStringSubmatch(text); m != nil {
		limit := defaultSegmentLimit
		if m[1] != "" {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > maxSegmentLimit {
			limit = maxSegmentLimit
		}
		segment := strings.TrimRight(strings.TrimSpace(m[2]), "?!. ")
		if segment != "" {
			return KindTopProductsInSegment, map[string]any{"segmento": segment, "limit": limit}
		}
	}

	for _, row := range keywordTable {
		for _, phrase := range row.phrases {
			if strings.Contains(text, phrase) {
				return row.kind, map[string]any{}
			}
		}
	}

	if m := productCodePattern.FindStringSubmatch(text); m != nil {
		code, _ := strconv.Atoi(m[1])
		return KindProductLookup, map[string]any{"codigo": code}
	}

	if m := branchPattern.FindStringSubmatch(text); m != nil {
		branch := strings.TrimRight(strings.TrimSpace(m[1]), "?!. ")
		if branch != "" {
			return KindBranchLookup, map[string]any{"une": branch}
		}
	}

	return KindGeneralAnalysis, map[string]any{}
}
