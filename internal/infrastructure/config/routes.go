package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"gopkg.in/yaml.v3"
)

type routesFile struct {
	Routes []routeEntry `yaml:"routes"`
}

type routeEntry struct {
	Pattern string              `yaml:"pattern"`
	Service string              `yaml:"service"`
	Policy  string              `yaml:"policy"`
	Roles   []string            `yaml:"roles"`
	Methods []string            `yaml:"methods"`
	Rewrite *domain.RewriteRule `yaml:"rewrite"`
}

// LoadRoutes reads the route table file.
func LoadRoutes(path string) ([]*domain.RouteRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	rules, err := ParseRoutes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseRoutes decodes a route table. Unknown keys are rejected and an
// omitted policy means SECURED.
func ParseRoutes(data []byte) ([]*domain.RouteRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file routesFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	if len(file.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes defined", domain.ErrInvalidRequest)
	}

	rules := make([]*domain.RouteRule, 0, len(file.Routes))
	for i, e := range file.Routes {
		policy, err := domain.ParseSecurityPolicy(e.Policy)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		rule, err := domain.NewRouteRule(domain.RouteRuleSpec{
			Pattern:       e.Pattern,
			ServiceName:   e.Service,
			Policy:        policy,
			RequiredRoles: e.Roles,
			Methods:       e.Methods,
			Rewrite:       e.Rewrite,
		})
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
