// Package rules normalizes extracted record values against per-category rule
// tables and derives the computed catalog fields.
package rules

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/catalog-cli/internal/model"
)

// fold case-folds s for matching. A Caser is stateful, so each call builds one.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

type trieNode struct {
	children map[rune]*trieNode
	// rule is the lowest rule index whose search term ends here, or -1.
	rule int
}

func newTrieNode() *trieNode {
	return &trieNode{rule: -1}
}

// Table is the rule index for one category. Search terms live in a rune trie
// keyed by their case-folded form; each terminal node keeps the position of
// the earliest rule, so a scan returns the same rule an ordered containment
// check would.
type Table struct {
	category model.RuleCategory
	rules    []model.Rule
	// standard maps a folded standard value to its first spelling.
	standard map[string]string
	root     *trieNode
}

// NewTable indexes rules for one category, keeping their order. Rules with a
// blank search term are dropped.
func NewTable(category model.RuleCategory, rules []model.Rule) *Table {
	t := &Table{
		category: category,
		standard: make(map[string]string),
		root:     newTrieNode(),
	}
	for _, r := range rules {
		term := fold(r.SearchTerm)
		if term == "" {
			continue
		}
		r.Category = category
		idx := len(t.rules)
		t.rules = append(t.rules, r)

		if v := fold(r.StandardValue); v != "" {
			if _, ok := t.standard[v]; !ok {
				t.standard[v] = strings.TrimSpace(r.StandardValue)
			}
		}

		n := t.root
		for _, ch := range term {
			next, ok := n.children[ch]
			if !ok {
				if n.children == nil {
					n.children = make(map[rune]*trieNode)
				}
				next = newTrieNode()
				n.children[ch] = next
			}
			n = next
		}
		if n.rule < 0 {
			n.rule = idx
		}
	}
	return t
}

// Category returns the table's category.
func (t *Table) Category() model.RuleCategory { return t.category }

// Rules returns the rules in load order.
func (t *Table) Rules() []model.Rule {
	return append([]model.Rule(nil), t.rules...)
}

// Len returns the number of indexed rules.
func (t *Table) Len() int { return len(t.rules) }

// IsStandard reports whether value already equals a known standard value.
func (t *Table) IsStandard(value string) bool {
	_, ok := t.standard[fold(value)]
	return ok
}

// Canonical returns the table's spelling of a standard value, matched
// case-insensitively.
func (t *Table) Canonical(value string) (string, bool) {
	v, ok := t.standard[fold(value)]
	return v, ok
}

// Match returns the earliest rule whose search term occurs in text.
func (t *Table) Match(text string) (model.Rule, bool) {
	valued, clearing := t.find(text)
	best := valued
	if best < 0 || (clearing >= 0 && clearing < best) {
		best = clearing
	}
	if best < 0 {
		return model.Rule{}, false
	}
	return t.rules[best], true
}

// find scans every suffix of the folded text through the trie and returns the
// earliest matching rule with a standard value and the earliest matching rule
// without one, -1 when absent.
func (t *Table) find(text string) (valued, clearing int) {
	valued, clearing = -1, -1
	runes := []rune(fold(text))
	for i := range runes {
		n := t.root
		for _, ch := range runes[i:] {
			if n = n.children[ch]; n == nil {
				break
			}
			if n.rule < 0 {
				continue
			}
			if t.rules[n.rule].StandardValue == "" {
				if clearing < 0 || n.rule < clearing {
					clearing = n.rule
				}
			} else if valued < 0 || n.rule < valued {
				valued = n.rule
			}
		}
	}
	return valued, clearing
}

// Standardize resolves a field value for this category. A value that already
// equals a standard value is rewritten to the table's spelling. Otherwise the
// value, then the title, is searched and the earliest matching rule with a
// standard value wins, wherever a clearing rule sits in load order. Only when
// neither text has a valued match does a clearing rule empty the field; a
// clearing match in the value must not shadow a valued title match, or a
// second pass over the cleared field would resolve differently. The boolean
// reports whether the value changed or a rule applied.
func (t *Table) Standardize(current, title string) (string, bool) {
	if strings.TrimSpace(current) != "" {
		if canonical, ok := t.Canonical(current); ok {
			return canonical, canonical != current
		}
	}
	clear := false
	for _, text := range []string{current, title} {
		valued, clearing := t.find(text)
		if valued >= 0 {
			return t.rules[valued].StandardValue, true
		}
		clear = clear || clearing >= 0
	}
	if clear {
		return "", true
	}
	return current, false
}
