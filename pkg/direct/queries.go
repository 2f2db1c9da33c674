package direct

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/varejotech/insights/pkg/envelope"
	"github.com/varejotech/insights/pkg/store"
)

const rankingLimit = 10

func (e *Engine) topProduct(ctx context.Context) (*envelope.Envelope, error) {
	rows, err := e.ranking(ctx, `"CODIGO"`, `MAX("NOME_PRODUTO")`)
	if err != nil {
		return nil, err
	}

	best := rows[0]
	name := asString(best["nome"])
	total := asFloat(best["vendas"])

	env := &envelope.Envelope{
		Type:  envelope.TypeProductRanking,
		Title: "Produto mais vendido",
		Result: map[string]any{
			"produto": name,
			"codigo":  best["chave"],
			"vendas":  total,
			"ranking": rankingPayload(rows),
		},
		Summary: fmt.Sprintf("Produto mais vendido: %s com %s unidades", name, formatNumber(total)),
		Chart:   rankingBarChart("Top 10 produtos por venda", "Produto", rows),
	}
	return env, nil
}

func (e *Engine) topBranch(ctx context.Context) (*envelope.Envelope, error) {
	if err := e.requireColumns("UNE_NOME"); err != nil {
		return nil, err
	}
	rows, err := e.ranking(ctx, `"UNE_NOME"`, `MAX("UNE_NOME")`)
	if err != nil {
		return nil, err
	}

	best := rows[0]
	name := asString(best["nome"])
	total := asFloat(best["vendas"])

	env := &envelope.Envelope{
		Type:  envelope.TypeBranchRanking,
		Title: "UNE com maior venda",
		Result: map[string]any{
			"une":     name,
			"vendas":  total,
			"ranking": rankingPayload(rows),
		},
		Summary: fmt.Sprintf("UNE com maior venda: %s com %s unidades", name, formatNumber(total)),
		Chart:   rankingBarChart("Top 10 UNEs por venda", "UNE", rows),
	}
	return env, nil
}

func (e *Engine) topSegment(ctx context.Context) (*envelope.Envelope, error) {
	if err := e.requireColumns("NOMESEGMENTO"); err != nil {
		return nil, err
	}
	rows, err := e.ranking(ctx, `"NOMESEGMENTO"`, `MAX("NOMESEGMENTO")`)
	if err != nil {
		return nil, err
	}

	best := rows[0]
	name := asString(best["nome"])
	total := asFloat(best["vendas"])

	chart := &envelope.FigureSpec{
		Kind:   "pie",
		Series: []envelope.Series{rankingSeries(rows)},
		Layout: envelope.Layout{Title: "Participação de vendas por segmento"},
	}
	env := &envelope.Envelope{
		Type:  envelope.TypeSegmentRanking,
		Title: "Segmento com maior venda",
		Result: map[string]any{
			"segmento": name,
			"vendas":   total,
			"ranking":  rankingPayload(rows),
		},
		Summary: fmt.Sprintf("Segmento com maior venda: %s com %s unidades", name, formatNumber(total)),
		Chart:   chart,
	}
	return env, nil
}

// ranking is the shared top-10 aggregation: group by a key expression,
// sum sales, best first.
func (e *Engine) ranking(ctx context.Context, groupExpr, nameExpr string) ([]store.Row, error) {
	if err := e.requireColumns(store.TotalColumn); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT %s AS chave, %s AS nome, SUM("%s") AS vendas FROM %s GROUP BY 1 ORDER BY vendas DESC LIMIT %d`,
		groupExpr, nameExpr, store.TotalColumn, store.ViewName, rankingLimit)
	result, err := e.store.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if result.Count == 0 {
		return nil, fmt.Errorf("%w: dataset is empty", store.ErrDataUnavailable)
	}
	return result.Rows, nil
}

func (e *Engine) productsNoSales(ctx context.Context) (*envelope.Envelope, error) {
	if err := e.requireColumns(store.TotalColumn); err != nil {
		return nil, err
	}

	counts, err := e.store.Query(ctx, fmt.Sprintf(
		`SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE "%s" = 0) AS zerados FROM %s`,
		store.TotalColumn, store.ViewName))
	if err != nil {
		return nil, err
	}
	total := asFloat(counts.Rows[0]["total"])
	zerados := asFloat(counts.Rows[0]["zerados"])
	var pct float64
	if total > 0 {
		pct = zerados / total * 100
	}

	result := map[string]any{
		"produtos_sem_venda": int(zerados),
		"percentual":         pct,
	}

	// When stock is tracked, surface the worst offenders by stock held.
	if e.store.HasColumn("ESTOQUEUNE") {
		top, err := e.store.Query(ctx, fmt.Sprintf(
			`SELECT "CODIGO" AS codigo, MAX("NOME_PRODUTO") AS nome, SUM("ESTOQUEUNE") AS estoque
			 FROM %s WHERE "%s" = 0 GROUP BY 1 ORDER BY estoque DESC LIMIT %d`,
			store.ViewName, store.TotalColumn, rankingLimit))
		if err != nil {
			return nil, err
		}
		produtos := make([]map[string]any, 0, top.Count)
		for _, row := range top.Rows {
			produtos = append(produtos, map[string]any{
				"codigo":  row["codigo"],
				"produto": asString(row["nome"]),
				"estoque": asFloat(row["estoque"]),
			})
		}
		result["maiores_estoques"] = produtos
	}

	env := &envelope.Envelope{
		Type:    envelope.TypeProductsNoSales,
		Title:   "Produtos sem venda",
		Result:  result,
		Summary: fmt.Sprintf("%d produtos sem venda (%.1f%% do catálogo)", int(zerados), pct),
	}
	return env, nil
}

func (e *Engine) stuckStock(ctx context.Context) (*envelope.Envelope, error) {
	if err := e.requireColumns(store.TotalColumn, "ESTOQUEUNE"); err != nil {
		return nil, err
	}

	selects := []string{
		`COUNT(*) AS itens`,
		`SUM("ESTOQUEUNE") AS quantidade`,
	}
	hasPrice := e.store.HasColumn("PRECO_REFERENCIA")
	if hasPrice {
		selects = append(selects, `SUM("ESTOQUEUNE" * "PRECO_REFERENCIA") AS valor`)
	}

	result, err := e.store.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE "%s" = 0 AND "ESTOQUEUNE" > 0`,
		strings.Join(selects, ", "), store.ViewName, store.TotalColumn))
	if err != nil {
		return nil, err
	}

	row := result.Rows[0]
	itens := int(asFloat(row["itens"]))
	quantidade := asFloat(row["quantidade"])

	payload := map[string]any{
		"itens":            itens,
		"quantidade_total": quantidade,
	}
	summary := fmt.Sprintf("%d itens com estoque parado, %s unidades sem giro", itens, formatNumber(quantidade))
	if hasPrice {
		valor := asFloat(row["valor"])
		payload["valor_estimado"] = valor
		summary = fmt.Sprintf("%s (R$ %s estimados)", summary, formatNumber(valor))
	}

	env := &envelope.Envelope{
		Type:    envelope.TypeStuckStock,
		Title:   "Estoque parado",
		Result:  payload,
		Summary: summary,
	}
	return env, nil
}

func (e *Engine) topProductsInSegment(ctx context.Context, segment string, limit int) (*envelope.Envelope, error) {
	if segment == "" {
		return nil, fmt.Errorf("%w: empty segment", ErrSegmentNotFound)
	}
	if limit <= 0 {
		limit = defaultSegmentLimit
	}
	if limit > maxSegmentLimit {
		limit = maxSegmentLimit
	}
	if err := e.requireColumns(store.TotalColumn, "NOMESEGMENTO"); err != nil {
		return nil, err
	}

	result, err := e.store.Query(ctx, fmt.Sprintf(
		`SELECT "CODIGO" AS chave, MAX("NOME_PRODUTO") AS nome, SUM("%s") AS vendas
		 FROM %s WHERE lower("NOMESEGMENTO") LIKE '%%' || lower(?) || '%%'
		 GROUP BY 1 ORDER BY vendas DESC LIMIT %d`,
		store.TotalColumn, store.ViewName, limit), segment)
	if err != nil {
		return nil, err
	}
	if result.Count == 0 {
		return nil, fmt.Errorf("%w: segmento %q", ErrSegmentNotFound, segment)
	}

	env := &envelope.Envelope{
		Type:  envelope.TypeSegmentTop,
		Title: fmt.Sprintf("Top %d produtos do segmento %s", limit, strings.ToUpper(segment)),
		Result: map[string]any{
			"segmento": segment,
			"produtos": rankingPayload(result.Rows),
		},
		Summary: fmt.Sprintf("%d produtos mais vendidos do segmento %s", result.Count, strings.ToUpper(segment)),
		Chart:   rankingBarChart(fmt.Sprintf("Top produtos — %s", strings.ToUpper(segment)), "Produto", result.Rows),
	}
	return env, nil
}

func (e *Engine) productLookup(ctx context.Context, code int) (*envelope.Envelope, error) {
	if code == 0 {
		return nil, fmt.Errorf("%w: missing product code", ErrProductNotFound)
	}
	if err := e.requireColumns(store.TotalColumn, "CODIGO"); err != nil {
		return nil, err
	}

	branchExpr := `COUNT(*)`
	if e.store.HasColumn("UNE_NOME") {
		branchExpr = `COUNT(DISTINCT "UNE_NOME")`
	}

	result, err := e.store.Query(ctx, fmt.Sprintf(
		`SELECT MAX("NOME_PRODUTO") AS nome, SUM("%s") AS vendas_total, %s AS unes, COUNT(*) AS linhas
		 FROM %s WHERE "CODIGO" = ?`,
		store.TotalColumn, branchExpr, store.ViewName), code)
	if err != nil {
		return nil, err
	}

	row := result.Rows[0]
	if asFloat(row["linhas"]) == 0 {
		return nil, fmt.Errorf("%w: produto %d", ErrProductNotFound, code)
	}

	name := asString(row["nome"])
	total := asFloat(row["vendas_total"])
	unes := int(asFloat(row["unes"]))

	env := &envelope.Envelope{
		Type:  envelope.TypeProductDetail,
		Title: fmt.Sprintf("Produto %d", code),
		Result: map[string]any{
			"produto":      name,
			"codigo":       code,
			"vendas_total": total,
			"unes":         unes,
		},
		Summary: fmt.Sprintf("%s (código %d): %s unidades vendidas em %d UNEs", name, code, formatNumber(total), unes),
	}
	return env, nil
}

func (e *Engine) branchLookup(ctx context.Context, branch string) (*envelope.Envelope, error) {
	if branch == "" {
		return nil, fmt.Errorf("%w: empty branch", ErrBranchNotFound)
	}
	if err := e.requireColumns(store.TotalColumn, "UNE_NOME"); err != nil {
		return nil, err
	}

	result, err := e.store.Query(ctx, fmt.Sprintf(
		`SELECT MAX("UNE_NOME") AS nome, SUM("%s") AS vendas, COUNT(*) AS produtos
		 FROM %s WHERE lower("UNE_NOME") LIKE '%%' || lower(?) || '%%'`,
		store.TotalColumn, store.ViewName), branch)
	if err != nil {
		return nil, err
	}

	row := result.Rows[0]
	if asFloat(row["produtos"]) == 0 {
		return nil, fmt.Errorf("%w: une %q", ErrBranchNotFound, branch)
	}

	name := asString(row["nome"])
	total := asFloat(row["vendas"])
	produtos := int(asFloat(row["produtos"]))

	env := &envelope.Envelope{
		Type:  envelope.TypeBranchDetail,
		Title: fmt.Sprintf("UNE %s", name),
		Result: map[string]any{
			"une":      name,
			"vendas":   total,
			"produtos": produtos,
		},
		Summary: fmt.Sprintf("UNE %s: %s unidades vendidas em %d produtos", name, formatNumber(total), produtos),
	}
	return env, nil
}

// monthYearColumn matches sales columns carrying an explicit month and
// year, e.g. "jan/24" or "dez-2023".
var monthYearColumn = regexp.MustCompile(`(?i)^([a-z]{3})[-/](\d{2}|\d{4})$`)

var monthNumbers = map[string]int{
	"jan": 1, "fev": 2, "mar": 3, "abr": 4, "mai": 5, "jun": 6,
	"jul": 7, "ago": 8, "set": 9, "out": 10, "nov": 11, "dez": 12,
}

type monthColumn struct {
	column string
	year   int
	month  int
}

func (e *Engine) productSalesEvolution(ctx context.Context, code int) (*envelope.Envelope, error) {
	if code == 0 {
		return nil, fmt.Errorf("%w: missing product code", ErrProductNotFound)
	}

	var series []monthColumn
	for _, column := range e.store.MonthlySalesColumns() {
		m := monthYearColumn.FindStringSubmatch(column)
		if m == nil {
			continue
		}
		month, ok := monthNumbers[strings.ToLower(m[1])]
		if !ok {
			continue
		}
		year, _ := strconv.Atoi(m[2])
		if year < 100 {
			year += 2000
		}
		series = append(series, monthColumn{column: column, year: year, month: month})
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no month/year sales columns in dataset", ErrInsufficientTemporalMetadata)
	}

	sort.Slice(series, func(a, b int) bool {
		if series[a].year != series[b].year {
			return series[a].year < series[b].year
		}
		return series[a].month < series[b].month
	})

	selects := make([]string, 0, len(series)+1)
	for n, mc := range series {
		selects = append(selects, fmt.Sprintf(`SUM(COALESCE(TRY_CAST("%s" AS DOUBLE), 0)) AS m%d`, mc.column, n))
	}
	selects = append(selects, `COUNT(*) AS linhas`)

	result, err := e.store.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE "CODIGO" = ?`,
		strings.Join(selects, ", "), store.ViewName), code)
	if err != nil {
		return nil, err
	}
	row := result.Rows[0]
	if asFloat(row["linhas"]) == 0 {
		return nil, fmt.Errorf("%w: produto %d", ErrProductNotFound, code)
	}

	labels := make([]any, len(series))
	values := make([]any, len(series))
	points := make([]map[string]any, len(series))
	var total float64
	for n, mc := range series {
		v := asFloat(row[fmt.Sprintf("m%d", n)])
		label := fmt.Sprintf("%02d/%d", mc.month, mc.year)
		labels[n] = label
		values[n] = v
		points[n] = map[string]any{"mes": label, "vendas": v}
		total += v
	}

	env := &envelope.Envelope{
		Type:  envelope.TypeSalesEvolution,
		Title: fmt.Sprintf("Evolução de vendas do produto %d", code),
		Result: map[string]any{
			"codigo": code,
			"serie":  points,
			"total":  total,
		},
		Summary: fmt.Sprintf("Produto %d vendeu %s unidades em %d meses", code, formatNumber(total), len(series)),
		Chart: &envelope.FigureSpec{
			Kind:   "line",
			Series: []envelope.Series{{Name: fmt.Sprintf("Produto %d", code), X: labels, Y: values}},
			Layout: envelope.Layout{
				Title:  fmt.Sprintf("Evolução de vendas — produto %d", code),
				XLabel: "Mês",
				YLabel: "Vendas",
			},
		},
	}
	return env, nil
}

// suggestions lists the catalogue phrasings offered when a question
// falls outside it, most used first.
var suggestions = []string{
	"produto mais vendido",
	"top 10 produtos mais vendidos no segmento TECIDOS",
	"une que mais vendeu",
	"segmento que mais vende",
	"produtos sem venda",
	"estoque parado",
	"produto 369947",
	"evolução de vendas do produto 369947",
	"vendas da une centro",
	"ranking de segmentos",
}

func (e *Engine) generalAnalysis() *envelope.Envelope {
	return &envelope.Envelope{
		Type:  envelope.TypeNotImplemented,
		Title: "Consulta não reconhecida",
		Result: map[string]any{
			"sugestoes": suggestions,
		},
		Summary: "Não reconheci essa consulta no catálogo direto. Tente uma das sugestões.",
	}
}

// requireColumns maps missing columns to the store's bad-query error so
// the resolver can list the available ones.
func (e *Engine) requireColumns(columns ...string) error {
	for _, column := range columns {
		if !e.store.HasColumn(column) {
			return &store.BadQueryError{Column: column, Available: e.store.ColumnNames()}
		}
	}
	return nil
}

func rankingPayload(rows []store.Row) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"codigo": row["chave"],
			"nome":   asString(row["nome"]),
			"vendas": asFloat(row["vendas"]),
		})
	}
	return out
}

func rankingSeries(rows []store.Row) envelope.Series {
	x := make([]any, len(rows))
	y := make([]any, len(rows))
	for n, row := range rows {
		x[n] = asString(row["nome"])
		y[n] = asFloat(row["vendas"])
	}
	return envelope.Series{X: x, Y: y}
}

func rankingBarChart(title, xlabel string, rows []store.Row) *envelope.FigureSpec {
	return &envelope.FigureSpec{
		Kind:   "bar",
		Series: []envelope.Series{rankingSeries(rows)},
		Layout: envelope.Layout{Title: title, XLabel: xlabel, YLabel: "Vendas"},
	}
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return 0
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
