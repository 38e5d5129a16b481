package application

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// RouteTable holds an ordered, immutable rule list swapped as a whole.
type RouteTable struct {
	rules atomic.Pointer[[]*domain.RouteRule]
}

func NewRouteTable(rules []*domain.RouteRule) (*RouteTable, error) {
	t := &RouteTable{}
	if err := t.Replace(rules); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace validates and publishes a new rule set. Rules are kept in
// configuration order, stable-sorted so longer literal prefixes come first.
func (t *RouteTable) Replace(rules []*domain.RouteRule) error {
	if collisions := DetectCollisions(rules); len(collisions) > 0 {
		return &domain.CollisionError{Collisions: collisions}
	}

	ordered := make([]*domain.RouteRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LiteralPrefixLen() > ordered[j].LiteralPrefixLen()
	})

	t.rules.Store(&ordered)
	return nil
}

// Resolve returns the first rule matching method and path.
func (t *RouteTable) Resolve(method, path string) (*domain.RouteRule, error) {
	for _, rule := range t.Rules() {
		if !rule.AllowsMethod(method) {
			continue
		}
		if _, ok := rule.Match(path); ok {
			return rule, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", domain.ErrNoRoute, method, path)
}

func (t *RouteTable) Rules() []*domain.RouteRule {
	p := t.rules.Load()
	if p == nil {
		return nil
	}
	return *p
}
