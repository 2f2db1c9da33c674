// Package vecindex serves the column metadata index: a small set of
// embedded column descriptions searched by cosine similarity to pick
// the columns most relevant to an utterance. The index is an offline
// artifact; when it is absent the index stays disabled and callers
// fall back to schema-only prompting.
package vecindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
)

const (
	vectorsFile = "vectors.json"
	columnsFile = "columns.json"
)

// ErrCorruptArtifact means the artifact files disagree or fail to parse.
var ErrCorruptArtifact = errors.New("corrupt index artifact")

// ColumnDoc describes one indexed column.
type ColumnDoc struct {
	Table       string `json:"table"`
	Column      string `json:"column"`
	Description string `json:"description"`
}

// Match is a scored search result.
type Match struct {
	Doc   ColumnDoc
	Score float64
}

// Embedder maps text to the index's vector space. Implementations must
// match whatever embedded the artifact vectors.
type Embedder interface {
	Embed(text string) []float32
}

// Config holds the index configuration.
type Config struct {
	Logger *slog.Logger

	// Dir is the artifact directory holding vectors.json and
	// columns.json. Empty leaves the index disabled.
	Dir string

	// Embedder is swappable; nil selects the deterministic token-hash
	// embedder the offline builder uses.
	Embedder Embedder
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Embedder == nil {
		c.Embedder = NewHashEmbedder(DefaultDimensions)
	}
	return nil
}

// Index answers column relevance queries. Immutable after Load; safe
// for concurrent use.
type Index struct {
	log      *slog.Logger
	embedder Embedder

	enabled bool
	vectors [][]float32
	docs    []ColumnDoc
}

// New builds the index and loads the artifact when present. A missing
// artifact is not an error; the index just stays disabled.
func New(cfg *Config) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate index config: %w", err)
	}

	idx := &Index{log: cfg.Logger, embedder: cfg.Embedder}
	if cfg.Dir == "" {
		cfg.Logger.Info("vecindex: no artifact dir configured, index disabled")
		return idx, nil
	}

	if err := idx.load(cfg.Dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.Logger.Info("vecindex: artifact not found, index disabled", "dir", cfg.Dir)
			return idx, nil
		}
		return nil, err
	}
	return idx, nil
}

func (i *Index) load(dir string) error {
	vectorsData, err := os.ReadFile(filepath.Join(dir, vectorsFile))
	if err != nil {
		return err
	}
	columnsData, err := os.ReadFile(filepath.Join(dir, columnsFile))
	if err != nil {
		return err
	}

	var vectors [][]float32
	if err := json.Unmarshal(vectorsData, &vectors); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, vectorsFile, err)
	}
	var docs []ColumnDoc
	if err := json.Unmarshal(columnsData, &docs); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, columnsFile, err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("%w: %d vectors for %d columns", ErrCorruptArtifact, len(vectors), len(docs))
	}
	if len(vectors) == 0 {
		return fmt.Errorf("%w: empty index", ErrCorruptArtifact)
	}

	i.vectors = vectors
	i.docs = docs
	i.enabled = true
	i.log.Info("vecindex: artifact loaded", "columns", len(docs), "dimensions", len(vectors[0]))
	return nil
}

// Enabled reports whether the artifact loaded.
func (i *Index) Enabled() bool { return i.enabled }

// FindRelevantColumns returns the k columns most similar to the
// utterance, best first. Nil when the index is disabled.
func (i *Index) FindRelevantColumns(utterance string, k int) []Match {
	if !i.enabled || k <= 0 {
		return nil
	}

	query := i.embedder.Embed(utterance)
	matches := make([]Match, 0, len(i.docs))
	for n, vec := range i.vectors {
		matches = append(matches, Match{Doc: i.docs[n], Score: cosine(query, vec)})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k]
}

// cosine is the cosine similarity of two vectors; zero for mismatched
// or zero-magnitude inputs.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for n := range a {
		dot += float64(a[n]) * float64(b[n])
		normA += float64(a[n]) * float64(a[n])
		normB += float64(b[n]) * float64(b[n])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
