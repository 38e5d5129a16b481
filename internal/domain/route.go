package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

type SecurityPolicy string

const (
	PolicyPublic  SecurityPolicy = "PUBLIC"
	PolicySecured SecurityPolicy = "SECURED"
)

func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(PolicySecured):
		return PolicySecured, nil
	case string(PolicyPublic):
		return PolicyPublic, nil
	default:
		return "", fmt.Errorf("%w: unknown security policy %q", ErrInvalidRequest, s)
	}
}

type RewriteRule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement"`

	re *regexp.Regexp
}

// RouteRule is immutable once built by NewRouteRule.
type RouteRule struct {
	Pattern       string         `json:"pattern"`
	ServiceName   string         `json:"service_name"`
	Policy        SecurityPolicy `json:"policy"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Methods       []string       `json:"methods,omitempty"`
	Rewrite       *RewriteRule   `json:"rewrite,omitempty"`

	segments []string
}

type RouteRuleSpec struct {
	Pattern       string
	ServiceName   string
	Policy        SecurityPolicy
	RequiredRoles []string
	Methods       []string
	Rewrite       *RewriteRule
}

func NewRouteRule(spec RouteRuleSpec) (*RouteRule, error) {
	if !strings.HasPrefix(spec.Pattern, "/") {
		return nil, fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRequest, spec.Pattern)
	}
	if spec.ServiceName == "" {
		return nil, fmt.Errorf("%w: pattern %q has no service", ErrInvalidRequest, spec.Pattern)
	}
	if spec.Policy == "" {
		spec.Policy = PolicySecured
	}
	if spec.Policy == PolicyPublic && len(spec.RequiredRoles) > 0 {
		return nil, fmt.Errorf("%w: public pattern %q cannot require roles", ErrInvalidRequest, spec.Pattern)
	}

	segments := splitPath(spec.Pattern)
	for i, seg := range segments {
		if seg == "**" && i != len(segments)-1 {
			return nil, fmt.Errorf("%w: ** must be the last segment in %q", ErrInvalidRequest, spec.Pattern)
		}
	}

	rule := &RouteRule{
		Pattern:       spec.Pattern,
		ServiceName:   spec.ServiceName,
		Policy:        spec.Policy,
		RequiredRoles: slices.Clone(spec.RequiredRoles),
		segments:      segments,
	}
	for _, m := range spec.Methods {
		rule.Methods = append(rule.Methods, strings.ToUpper(m))
	}

	if spec.Rewrite != nil {
		re, err := regexp.Compile(spec.Rewrite.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rewrite for %q: %v", ErrInvalidRequest, spec.Pattern, err)
		}
		rule.Rewrite = &RewriteRule{
			Pattern:     spec.Rewrite.Pattern,
			Replacement: spec.Rewrite.Replacement,
			re:          re,
		}
	}
	return rule, nil
}

func (r *RouteRule) Secured() bool {
	return r.Policy != PolicyPublic
}

func (r *RouteRule) AllowsMethod(method string) bool {
	return len(r.Methods) == 0 || slices.Contains(r.Methods, method)
}

// LiteralPrefixLen is the length of the pattern up to its first wildcard
// or parameter segment.
func (r *RouteRule) LiteralPrefixLen() int {
	n := 0
	for _, seg := range r.segments {
		if isWildcard(seg) {
			break
		}
		n += len(seg) + 1
	}
	return n
}

// Match reports whether path matches the pattern and returns the captured
// path parameters. A trailing ** also matches the bare prefix.
func (r *RouteRule) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	var params map[string]string

	for i, seg := range r.segments {
		if seg == "**" {
			if params == nil {
				params = make(map[string]string)
			}
			params["**"] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch {
		case seg == "*":
		case isParam(seg):
			if params == nil {
				params = make(map[string]string)
			}
			params[paramName(seg)] = parts[i]
		case seg != parts[i]:
			return nil, false
		}
	}

	if len(parts) != len(r.segments) {
		return nil, false
	}
	return params, true
}

func (r *RouteRule) RewritePath(path string) string {
	if r.Rewrite == nil || r.Rewrite.re == nil {
		return path
	}
	rewritten := r.Rewrite.re.ReplaceAllString(path, r.Rewrite.Replacement)
	if !strings.HasPrefix(rewritten, "/") {
		rewritten = "/" + rewritten
	}
	return rewritten
}

// Shape is the pattern with parameter names erased, used to detect
// rules that would always match the same paths.
func (r *RouteRule) Shape() string {
	shaped := make([]string, len(r.segments))
	for i, seg := range r.segments {
		if isParam(seg) {
			seg = "*"
		}
		shaped[i] = seg
	}
	return "/" + strings.Join(shaped, "/")
}

// PermitsRoles reports whether roles include every role the rule requires.
func (r *RouteRule) PermitsRoles(roles []string) bool {
	for _, required := range r.RequiredRoles {
		if !slices.Contains(roles, required) {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func isWildcard(seg string) bool {
	return seg == "*" || seg == "**" || isParam(seg)
}

func isParam(seg string) bool {
	if strings.HasPrefix(seg, ":") && len(seg) > 1 {
		return true
	}
	return len(seg) > 2 && strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}

func paramName(seg string) string {
	if strings.HasPrefix(seg, ":") {
		return seg[1:]
	}
	return seg[1 : len(seg)-1]
}
