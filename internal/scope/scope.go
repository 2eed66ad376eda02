// Package scope implements the token-scope algebra: a scope is
// "resource:name:action[,action...]"; this package canonicalizes and
// merges scopes the way the token endpoint requires them.
package scope

import (
	"sort"
	"strings"
)

// Scope is a single "resource:name:actions" capability token.
type Scope struct {
	Resource string
	Name     string
	Actions  []string
}

// Parse parses a single "resource:name:action,action" token. Malformed
// tokens (fewer than 3 colon-separated fields) are returned unparsed in
// Resource with empty Name/Actions, since the token endpoint is the only
// consumer and an unparseable scope should still round-trip through
// String() unchanged rather than be dropped.
func Parse(s string) Scope {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Scope{Resource: s}
	}
	actions := splitActions(parts[2])
	return Scope{Resource: parts[0], Name: parts[1], Actions: actions}
}

func splitActions(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// String renders the scope back to "resource:name:action,action" form.
func (s Scope) String() string {
	if s.Name == "" && len(s.Actions) == 0 {
		return s.Resource
	}
	return s.Resource + ":" + s.Name + ":" + strings.Join(s.Actions, ",")
}

func (s Scope) key() string { return s.Resource + ":" + s.Name }

// Clean normalizes a list of scopes:
//   - sort scopes lexicographically
//   - within a scope, dedupe and sort actions
//   - collapse any action list containing "*" to just "*"
//   - drop empty actions
//   - merge scopes that share resource+name
//
// Clean is idempotent: Clean(Clean(xs)) == Clean(xs).
func Clean(scopes []Scope) []Scope {
	merged := make(map[string]*Scope)
	order := make([]string, 0, len(scopes))
	for _, s := range scopes {
		k := s.key()
		if existing, ok := merged[k]; ok {
			existing.Actions = append(existing.Actions, s.Actions...)
			continue
		}
		cp := s
		cp.Actions = append([]string(nil), s.Actions...)
		merged[k] = &cp
		order = append(order, k)
	}

	out := make([]Scope, 0, len(order))
	for _, k := range order {
		s := *merged[k]
		s.Actions = cleanActions(s.Actions)
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func cleanActions(actions []string) []string {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		if a == "" {
			continue
		}
		set[a] = true
	}
	if set["*"] {
		return []string{"*"}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AppendRepositoryScope adds (or merges into an existing) a
// "repository:<nsRepo>:<actions>" entry, returning the newly normalized
// list.
func AppendRepositoryScope(scopes []Scope, nsRepo string, actions ...string) []Scope {
	return Clean(append(scopes, Scope{Resource: "repository", Name: nsRepo, Actions: actions}))
}

// Query renders a cleaned scope list as the value of the token endpoint's
// "scope" query parameter: space-separated normalized scope strings.
func Query(scopes []Scope) string {
	clean := Clean(scopes)
	parts := make([]string, len(clean))
	for i, s := range clean {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}

// ParseQuery parses a space-separated scope query value back into a list.
func ParseQuery(q string) []Scope {
	if q == "" {
		return nil
	}
	fields := strings.Fields(q)
	out := make([]Scope, len(fields))
	for i, f := range fields {
		out[i] = Parse(f)
	}
	return out
}

// Union merges two already-independent scope lists and re-normalizes,
// used for the Bearer provider's scope-accumulation rule: a subsequent
// 403 requesting wider scopes triggers a re-fetch that unions the old
// and new scopes.
func Union(a, b []Scope) []Scope {
	combined := make([]Scope, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	return Clean(combined)
}
