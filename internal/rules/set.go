package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
)

// Set holds one Table per category. A Set is never mutated after NewSet
// returns, so it is safe to share between goroutines.
type Set struct {
	tables   map[model.RuleCategory]*Table
	loadedAt time.Time
}

// NewSet groups rules by category and indexes each group.
func NewSet(rules []model.Rule) *Set {
	grouped := make(map[model.RuleCategory][]model.Rule)
	for _, r := range rules {
		grouped[r.Category] = append(grouped[r.Category], r)
	}
	s := &Set{
		tables:   make(map[model.RuleCategory]*Table, len(model.AllCategories)),
		loadedAt: time.Now().UTC(),
	}
	for _, c := range model.AllCategories {
		s.tables[c] = NewTable(c, grouped[c])
	}
	return s
}

// Table returns the table for a category. Unknown categories get an empty table.
func (s *Set) Table(c model.RuleCategory) *Table {
	if t, ok := s.tables[c]; ok {
		return t
	}
	return NewTable(c, nil)
}

// Counts returns the number of rules per category.
func (s *Set) Counts() map[model.RuleCategory]int {
	out := make(map[model.RuleCategory]int, len(s.tables))
	for c, t := range s.tables {
		out[c] = t.Len()
	}
	return out
}

// LoadedAt is when the set was built.
func (s *Set) LoadedAt() time.Time { return s.loadedAt }

// Source loads the full list of rules.
type Source interface {
	Load(ctx context.Context) ([]model.Rule, error)
}

// Cache holds the current Set. Reload swaps in a whole new Set; readers that
// took a Snapshot keep the Set they started with.
type Cache struct {
	src    Source
	mu     sync.Mutex
	active atomic.Pointer[Set]
}

// NewCache returns an empty cache backed by src. Call Reload before use.
func NewCache(src Source) *Cache {
	c := &Cache{src: src}
	c.active.Store(NewSet(nil))
	return c
}

// NewStaticCache returns a cache pre-loaded with a fixed set of rules.
func NewStaticCache(rules []model.Rule) *Cache {
	c := &Cache{}
	c.active.Store(NewSet(rules))
	return c
}

// Reload fetches every category from the source and replaces the active Set.
// On error the previous Set stays active.
func (c *Cache) Reload(ctx context.Context) (*Set, error) {
	if c.src == nil {
		return c.Snapshot(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rules, err := c.src.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rules: reload")
	}
	s := NewSet(rules)
	c.active.Store(s)

	zap.L().Info("rules: reloaded",
		zap.Int("rules", len(rules)),
		zap.Any("per_category", s.Counts()),
	)
	return s, nil
}

// Snapshot returns the active Set.
func (c *Cache) Snapshot() *Set {
	return c.active.Load()
}
