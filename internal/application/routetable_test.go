package application

import (
	"errors"
	"testing"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

func mustRules(t *testing.T, specs ...domain.RouteRuleSpec) []*domain.RouteRule {
	t.Helper()
	rules := make([]*domain.RouteRule, len(specs))
	for i, spec := range specs {
		rule, err := domain.NewRouteRule(spec)
		if err != nil {
			t.Fatalf("rule %q: %v", spec.Pattern, err)
		}
		rules[i] = rule
	}
	return rules
}

func TestRouteTable_LongestLiteralPrefixWins(t *testing.T) {
	table, err := NewRouteTable(mustRules(t,
		domain.RouteRuleSpec{Pattern: "/api/**", ServiceName: "catch-all", Policy: domain.PolicyPublic},
		domain.RouteRuleSpec{Pattern: "/api/questions/{id}", ServiceName: "questions"},
		domain.RouteRuleSpec{Pattern: "/api/questions/{id}/answers", ServiceName: "answers"},
	))
	if err != nil {
		t.Fatalf("new route table: %v", err)
	}

	tests := []struct {
		path    string
		service string
	}{
		{"/api/questions/42/answers", "answers"},
		{"/api/questions/42", "questions"},
		{"/api/users/7", "catch-all"},
	}
	for _, tt := range tests {
		rule, err := table.Resolve("GET", tt.path)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.path, err)
			continue
		}
		if rule.ServiceName != tt.service {
			t.Errorf("%s: expected %s, got %s", tt.path, tt.service, rule.ServiceName)
		}
	}
}

func TestRouteTable_ConfigOrderBreaksTies(t *testing.T) {
	table, err := NewRouteTable(mustRules(t,
		domain.RouteRuleSpec{Pattern: "/api/{kind}/recent", ServiceName: "first"},
		domain.RouteRuleSpec{Pattern: "/api/*/*", ServiceName: "second"},
	))
	if err != nil {
		t.Fatalf("new route table: %v", err)
	}

	rule, err := table.Resolve("GET", "/api/questions/recent")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rule.ServiceName != "first" {
		t.Errorf("expected first configured rule, got %s", rule.ServiceName)
	}
}

func TestRouteTable_MethodFilter(t *testing.T) {
	table, err := NewRouteTable(mustRules(t,
		domain.RouteRuleSpec{Pattern: "/api/answers", ServiceName: "writer", Methods: []string{"post"}},
		domain.RouteRuleSpec{Pattern: "/api/answers/**", ServiceName: "reader", Methods: []string{"GET"}},
	))
	if err != nil {
		t.Fatalf("new route table: %v", err)
	}

	if rule, err := table.Resolve("POST", "/api/answers"); err != nil || rule.ServiceName != "writer" {
		t.Errorf("expected writer for POST, got %v, %v", rule, err)
	}
	if rule, err := table.Resolve("GET", "/api/answers"); err != nil || rule.ServiceName != "reader" {
		t.Errorf("expected reader for GET, got %v, %v", rule, err)
	}
	if _, err := table.Resolve("DELETE", "/api/answers"); !errors.Is(err, domain.ErrNoRoute) {
		t.Errorf("expected ErrNoRoute for DELETE, got %v", err)
	}
}

func TestRouteTable_NoRoute(t *testing.T) {
	table, err := NewRouteTable(mustRules(t,
		domain.RouteRuleSpec{Pattern: "/api/questions/**", ServiceName: "questions"},
	))
	if err != nil {
		t.Fatalf("new route table: %v", err)
	}

	if _, err := table.Resolve("GET", "/metrics"); !errors.Is(err, domain.ErrNoRoute) {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestRouteTable_ReplaceRejectsCollisions(t *testing.T) {
	table, err := NewRouteTable(mustRules(t,
		domain.RouteRuleSpec{Pattern: "/api/questions/**", ServiceName: "questions"},
	))
	if err != nil {
		t.Fatalf("new route table: %v", err)
	}

	err = table.Replace(mustRules(t,
		domain.RouteRuleSpec{Pattern: "/api/users/{id}", ServiceName: "users"},
		domain.RouteRuleSpec{Pattern: "/api/users/:userId", ServiceName: "profiles"},
	))
	var collisionErr *domain.CollisionError
	if !errors.As(err, &collisionErr) {
		t.Fatalf("expected CollisionError, got %v", err)
	}
	if len(table.Rules()) != 1 || table.Rules()[0].ServiceName != "questions" {
		t.Error("failed replace must keep the previous rules")
	}
}

func TestDetectCollisions(t *testing.T) {
	tests := []struct {
		name  string
		specs []domain.RouteRuleSpec
		want  []domain.CollisionType
	}{
		{
			name: "exact duplicate",
			specs: []domain.RouteRuleSpec{
				{Pattern: "/api/questions", ServiceName: "a"},
				{Pattern: "/api/questions", ServiceName: "b"},
			},
			want: []domain.CollisionType{domain.ExactCollision},
		},
		{
			name: "same shape with different param names",
			specs: []domain.RouteRuleSpec{
				{Pattern: "/api/questions/{id}", ServiceName: "a"},
				{Pattern: "/api/questions/{questionId}", ServiceName: "b"},
			},
			want: []domain.CollisionType{domain.PatternCollision},
		},
		{
			name: "disjoint methods",
			specs: []domain.RouteRuleSpec{
				{Pattern: "/api/questions", ServiceName: "a", Methods: []string{"GET"}},
				{Pattern: "/api/questions", ServiceName: "b", Methods: []string{"POST"}},
			},
		},
		{
			name: "different literal segments",
			specs: []domain.RouteRuleSpec{
				{Pattern: "/api/questions/{id}", ServiceName: "a"},
				{Pattern: "/api/answers/{id}", ServiceName: "b"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectCollisions(mustRules(t, tt.specs...))
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d collisions, got %d: %v", len(tt.want), len(got), got)
			}
			for i, c := range got {
				if c.CollisionType != tt.want[i] {
					t.Errorf("collision %d: expected %s, got %s", i, tt.want[i], c.CollisionType)
				}
			}
		})
	}
}
