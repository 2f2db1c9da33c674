package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
)

// budgetFile is the persisted daily spend record.
type budgetFile struct {
	Date string `json:"date"`
	Used int64  `json:"used"`
}

// tokenBudget tracks LLM token spend against a daily ceiling. The spend
// survives restarts via a small JSON file; the counter resets at UTC
// midnight.
type tokenBudget struct {
	mu    sync.Mutex
	path  string
	limit int64
	clock clockwork.Clock

	date string
	used int64
}

func newTokenBudget(path string, limit int64, clock clockwork.Clock) *tokenBudget {
	b := &tokenBudget{path: path, limit: limit, clock: clock}
	b.date = b.today()
	b.load()
	return b
}

func (b *tokenBudget) today() string {
	return b.clock.Now().UTC().Format("2006-01-02")
}

func (b *tokenBudget) load() {
	if b.path == "" {
		return
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	var file budgetFile
	if json.Unmarshal(data, &file) != nil {
		return
	}
	if file.Date == b.date {
		b.used = file.Used
	}
}

// roll resets the counter when the UTC day has changed. Callers hold mu.
func (b *tokenBudget) roll() {
	if today := b.today(); today != b.date {
		b.date = today
		b.used = 0
	}
}

func (b *tokenBudget) remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.limit - b.used
}

func (b *tokenBudget) spend(n int64) error {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	b.used += n
	return b.persist()
}

// persist writes the record with write-then-rename so a crash never
// leaves a truncated file.
func (b *tokenBudget) persist() error {
	if b.path == "" {
		return nil
	}
	data, err := json.Marshal(budgetFile{Date: b.date, Used: b.used})
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(b.path), ".budget.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
