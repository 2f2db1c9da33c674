// Package sandbox executes model-generated SQL under guard rails: one
// read-only statement, a hard wall-clock budget and panic containment.
// Nothing the model writes can mutate the dataset or escape the budget.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/varejotech/insights/pkg/store"
)

const DefaultTimeout = 120 * time.Second

var (
	// ErrForbidden means the script failed the read-only statement check.
	ErrForbidden = errors.New("script rejected")

	// ErrTimeout means the script exceeded the execution budget.
	ErrTimeout = errors.New("script timed out")
)

// forbiddenKeywords are statement heads that mutate state or reach
// outside the dataset. Checked as whole words anywhere in the script
// since DuckDB accepts some of them mid-statement.
var forbiddenKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|create|alter|attach|detach|copy|pragma|install|load|export|import|call|set|vacuum)\b`)

// Querier is the read surface the sandbox executes against.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (store.QueryResult, error)
}

// Outcome is the result of a sandboxed run. Scalar results carry both
// the raw value and its rendered text.
type Outcome struct {
	Columns []string
	Rows    []store.Row

	// Scalar is set when the result is a single cell.
	Scalar     any
	ScalarText string

	Elapsed time.Duration
}

// IsScalar reports whether the run produced exactly one cell.
func (o *Outcome) IsScalar() bool { return len(o.Rows) == 1 && len(o.Columns) == 1 }

// Config holds the sandbox configuration.
type Config struct {
	Logger  *slog.Logger
	Querier Querier
	Timeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// Sandbox runs scripts. Safe for concurrent use.
type Sandbox struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sandbox config: %w", err)
	}
	return &Sandbox{log: cfg.Logger, cfg: cfg}, nil
}

// Run validates and executes one script. The query runs on its own
// goroutine; on timeout the caller gets ErrTimeout immediately and the
// worker is abandoned to finish against the cancelled context.
func (s *Sandbox) Run(ctx context.Context, script string) (*Outcome, error) {
	cleaned, err := Validate(script)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type runResult struct {
		result store.QueryResult
		err    error
	}
	resultCh := make(chan runResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runResult{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		result, err := s.cfg.Querier.Query(ctx, cleaned)
		resultCh <- runResult{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		s.log.Warn("sandbox: script abandoned", "elapsed", time.Since(start), "cause", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)
		}
		return nil, ctx.Err()
	case run := <-resultCh:
		elapsed := time.Since(start)
		if run.err != nil {
			return nil, fmt.Errorf("script failed: %w", run.err)
		}
		outcome := &Outcome{
			Columns: run.result.Columns,
			Rows:    run.result.Rows,
			Elapsed: elapsed,
		}
		if outcome.IsScalar() {
			outcome.Scalar = run.result.Rows[0][run.result.Columns[0]]
			outcome.ScalarText = renderScalar(outcome.Scalar)
		}
		s.log.Debug("sandbox: script ok", "rows", run.result.Count, "elapsed", elapsed)
		return outcome, nil
	}
}

// Validate checks the guard rails and returns the cleaned script: a
// single SELECT or WITH statement with no mutating keywords. Quoted
// identifiers and string literals are excluded from the keyword scan,
// so a column like "set/24" stays queryable.
func Validate(script string) (string, error) {
	cleaned := strings.TrimSpace(script)
	cleaned = strings.TrimSuffix(cleaned, ";")
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty script", ErrForbidden)
	}
	bare := stripQuoted(cleaned)
	if strings.Contains(bare, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrForbidden)
	}

	head := strings.ToUpper(firstWord(cleaned))
	if head != "SELECT" && head != "WITH" {
		return "", fmt.Errorf("%w: statement must start with SELECT or WITH, got %q", ErrForbidden, head)
	}
	if match := forbiddenKeywords.FindString(bare); match != "" {
		return "", fmt.Errorf("%w: forbidden keyword %q", ErrForbidden, strings.ToUpper(match))
	}
	return cleaned, nil
}

// stripQuoted blanks out single-quoted literals and double-quoted
// identifiers, honouring doubled-quote escapes, so the guard rails only
// see unquoted SQL text.
func stripQuoted(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// renderScalar formats a single-cell result for a text envelope.
// Floats drop insignificant trailing zeros so SELECT 1 + 1 reads "2".
func renderScalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
