package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// comparison operators accepted at the head of a stringified condition,
// longest first so ">=" wins over ">".
var comparisonOps = []string{">=", "<=", "!=", ">", "<"}

// ExecuteQuery serves a filtered row set. Each filter maps a column to a
// condition: either an exact value or a stringified comparison with a
// leading operator (">", "<", ">=", "<=", "!="). Numeric conditions coerce
// both sides to numeric. An empty filter returns a bounded sample; every
// filtered result is capped at ResultLimit rows.
func (s *Store) ExecuteQuery(ctx context.Context, filters map[string]string) ([]Row, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	query, err := s.buildFilterQuery(filters)
	if err != nil {
		return nil, err
	}

	result, err := s.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter query failed: %w", err)
	}

	if len(filters) > 0 && result.Count == ResultLimit {
		s.log.Warn("store: filtered result truncated", "limit", ResultLimit, "filters", len(filters))
	}
	return result.Rows, nil
}

func (s *Store) buildFilterQuery(filters map[string]string) (string, error) {
	if len(filters) == 0 {
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", ViewName, SampleLimit), nil
	}

	clauses := make([]string, 0, len(filters))
	for column, condition := range filters {
		real, ok := s.ResolveColumn(column)
		if !ok {
			return "", &BadQueryError{Column: column, Available: s.ColumnNames()}
		}
		clause, err := buildCondition(real, condition)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	return fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT %d",
		ViewName, strings.Join(clauses, " AND "), ResultLimit), nil
}

// buildCondition renders one column condition as SQL. Comparison operators
// require a numeric right-hand side; equality compares numerically when the
// value parses as a number and textually otherwise.
func buildCondition(column, condition string) (string, error) {
	condition = strings.TrimSpace(condition)
	ident := quoteIdent(column)

	for _, op := range comparisonOps {
		if !strings.HasPrefix(condition, op) {
			continue
		}
		operand := strings.TrimSpace(strings.TrimPrefix(condition, op))
		num, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return "", &BadQueryError{Column: column, Reason: "non-numeric comparison operand for"}
		}
		return fmt.Sprintf("TRY_CAST(%s AS DOUBLE) %s %g", ident, op, num), nil
	}

	if num, err := strconv.ParseFloat(condition, 64); err == nil {
		return fmt.Sprintf("TRY_CAST(%s AS DOUBLE) = %g", ident, num), nil
	}
	return fmt.Sprintf("%s = %s", ident, quoteLiteral(condition)), nil
}
