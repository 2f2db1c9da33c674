// Package llm wraps the Anthropic API behind a narrow completion
// interface with transparent response caching, retry and token
// accounting. Failures travel inside the Response so callers route them
// without unwinding the call stack.
package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultModel     = anthropic.ModelClaudeSonnet4_20250514
	DefaultMaxTokens = 4096

	defaultCacheTTL = 48 * time.Hour
	defaultMaxTries = 3
)

// ErrDisabled means the client was built without an API key and every
// completion is refused locally.
var ErrDisabled = errors.New("llm disabled")

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64

	// Temperature overrides the client default when non-nil.
	Temperature *float64

	// NoCache bypasses the response cache for prompts whose answer must
	// be recomputed every time.
	NoCache bool
}

// Response carries the completion outcome. Err is set instead of the
// text when the call failed; callers branch on it like a return value.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	FromCache    bool
	Err          error
}

// Tokens is the total billed for this response. Cached responses bill
// nothing.
func (r Response) Tokens() int64 {
	if r.FromCache {
		return 0
	}
	return r.InputTokens + r.OutputTokens
}

// Client is the completion interface the rest of the system depends on.
type Client interface {
	Complete(ctx context.Context, req Request) Response
	Enabled() bool
}

// Usage is a running total of API consumption.
type Usage struct {
	Calls        int64 `json:"calls"`
	CacheHits    int64 `json:"cache_hits"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Config holds the Anthropic client configuration.
type Config struct {
	Logger *slog.Logger

	// APIKey authenticates against the API. Empty builds a disabled
	// client that refuses every completion with ErrDisabled.
	APIKey string

	Model     anthropic.Model
	MaxTokens int64

	// Temperature applies to every call a request does not override.
	// Zero keeps completions deterministic, which suits SQL generation.
	Temperature float64

	// CacheDir enables the disk response cache. Empty keeps caching in
	// memory only.
	CacheDir string

	// CacheTTL bounds how long a cached completion is reused.
	CacheTTL time.Duration

	MaxTries uint
	Clock    clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AnthropicClient is the production Client implementation.
type AnthropicClient struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	api     anthropic.Client
	enabled bool
	memory  *ristretto.Cache

	calls        atomic.Int64
	cacheHits    atomic.Int64
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

type cachedCompletion struct {
	Text         string    `json:"text"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	StoredAt     time.Time `json:"stored_at"`
}

func New(cfg *Config) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate llm config: %w", err)
	}
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create llm cache dir: %w", err)
		}
	}

	memory, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     64 << 20, // 64 MiB of cached completions
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	c := &AnthropicClient{
		log:     cfg.Logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		memory:  memory,
		enabled: cfg.APIKey != "",
	}
	if c.enabled {
		c.api = anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	} else {
		cfg.Logger.Warn("llm: no API key configured, completions disabled")
	}
	return c, nil
}

// Enabled reports whether completions can reach the API.
func (c *AnthropicClient) Enabled() bool { return c.enabled }

// Usage reports cumulative consumption since construction.
func (c *AnthropicClient) Usage() Usage {
	return Usage{
		Calls:        c.calls.Load(),
		CacheHits:    c.cacheHits.Load(),
		InputTokens:  c.inputTokens.Load(),
		OutputTokens: c.outputTokens.Load(),
	}
}

// Complete answers the request from cache when possible and calls the
// API otherwise, retrying transient failures with exponential backoff.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) Response {
	if !c.enabled {
		return Response{Err: ErrDisabled}
	}

	key := c.requestKey(req)
	if !req.NoCache {
		if cached, ok := c.lookup(key); ok {
			c.cacheHits.Add(1)
			return Response{
				Text:         cached.Text,
				InputTokens:  cached.InputTokens,
				OutputTokens: cached.OutputTokens,
				FromCache:    true,
			}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := c.temperature(req)

	start := c.clock.Now()
	attempt := 0
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		attempt++
		if attempt > 1 {
			c.log.Warn("llm: completion retrying", "attempt", attempt)
		}
		params := anthropic.MessageNewParams{
			Model:       c.cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(temperature),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		return c.api.Messages.New(ctx, params)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)
	duration := c.clock.Since(start)
	if err != nil {
		c.log.Error("llm: completion failed", "duration", duration, "attempts", attempt, "error", err)
		return Response{Err: fmt.Errorf("anthropic API error: %w", err)}
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return Response{Err: errors.New("no text content in response")}
	}

	resp := Response{
		Text:         text,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	c.calls.Add(1)
	c.inputTokens.Add(resp.InputTokens)
	c.outputTokens.Add(resp.OutputTokens)
	c.log.Info("llm: completion ok",
		"duration", duration,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"stop_reason", msg.StopReason)

	if !req.NoCache {
		c.store(key, &cachedCompletion{
			Text:         resp.Text,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			StoredAt:     c.clock.Now(),
		})
	}
	return resp
}

func (c *AnthropicClient) temperature(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return c.cfg.Temperature
}

func (c *AnthropicClient) requestKey(req Request) string {
	temperature := strconv.FormatFloat(c.temperature(req), 'f', -1, 64)
	sum := md5.Sum([]byte(string(c.cfg.Model) + "\x00" + temperature + "\x00" + req.System + "\x00" + req.Prompt))
	return hex.EncodeToString(sum[:])
}

func (c *AnthropicClient) lookup(key string) (*cachedCompletion, bool) {
	if val, ok := c.memory.Get(key); ok {
		return val.(*cachedCompletion), true
	}
	if c.cfg.CacheDir == "" {
		return nil, false
	}

	data, err := os.ReadFile(c.diskPath(key))
	if err != nil {
		return nil, false
	}
	var cached cachedCompletion
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = os.Remove(c.diskPath(key))
		return nil, false
	}
	if c.clock.Since(cached.StoredAt) > c.cfg.CacheTTL {
		_ = os.Remove(c.diskPath(key))
		return nil, false
	}

	c.memory.SetWithTTL(key, &cached, int64(len(cached.Text)), c.cfg.CacheTTL)
	return &cached, true
}

func (c *AnthropicClient) store(key string, cached *cachedCompletion) {
	c.memory.SetWithTTL(key, cached, int64(len(cached.Text)), c.cfg.CacheTTL)
	c.memory.Wait()

	if c.cfg.CacheDir == "" {
		return
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(c.cfg.CacheDir, "completion-*.tmp")
	if err != nil {
		c.log.Warn("llm: cache write failed", "error", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	if err := os.Rename(tmp.Name(), c.diskPath(key)); err != nil {
		c.log.Warn("llm: cache write failed", "error", err)
	}
}

func (c *AnthropicClient) diskPath(key string) string {
	return filepath.Join(c.cfg.CacheDir, key+".json")
}
