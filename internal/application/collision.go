package application

import (
	"slices"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// DetectCollisions reports rules that would always match the same requests
// as an earlier rule, which would make the later one unreachable.
func DetectCollisions(rules []*domain.RouteRule) []domain.RouteCollision {
	var collisions []domain.RouteCollision

	for i, rule := range rules {
		for _, earlier := range rules[:i] {
			if !methodsOverlap(earlier.Methods, rule.Methods) {
				continue
			}

			switch {
			case earlier.Pattern == rule.Pattern:
				collisions = append(collisions, domain.RouteCollision{
					Pattern:       rule.Pattern,
					ServiceName:   rule.ServiceName,
					CollisionType: domain.ExactCollision,
					ConflictsWith: earlier.Pattern,
				})
			case earlier.Shape() == rule.Shape():
				collisions = append(collisions, domain.RouteCollision{
					Pattern:       rule.Pattern,
					ServiceName:   rule.ServiceName,
					CollisionType: domain.PatternCollision,
					ConflictsWith: earlier.Pattern,
				})
			default:
				continue
			}
			break
		}
	}

	return collisions
}

func methodsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, m := range a {
		if slices.Contains(b, m) {
			return true
		}
	}
	return false
}
