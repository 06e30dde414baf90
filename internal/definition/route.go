package definition

import (
	"fmt"
	"strings"
)

// Rule is a parsed route expression. The zero Rule always matches.
type Rule struct {
	Field    string
	Op       string
	Expected string
}

// ParseRule parses "field == 'value'" or "field != 'value'", splitting on
// whichever operator appears first. Field may be a dotted path into nested
// objects. An empty expression always matches.
func ParseRule(expr string) (Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Rule{}, nil
	}
	var parts []string
	var op string
	for _, candidate := range []string{"!=", "=="} {
		p := splitCondition(expr, candidate)
		if p != nil && (parts == nil || len(p[0]) < len(parts[0])) {
			parts, op = p, candidate
		}
	}
	if parts != nil {
		field := strings.TrimSpace(parts[0])
		if field == "" {
			return Rule{}, fmt.Errorf("route %q: missing field", expr)
		}
		return Rule{
			Field:    field,
			Op:       op,
			Expected: trimQuotes(strings.TrimSpace(parts[1])),
		}, nil
	}
	return Rule{}, fmt.Errorf("route %q: expected \"field == 'value'\" or \"field != 'value'\"", expr)
}

// Match evaluates the rule against a payload. Values compare by their
// fmt.Sprint form; a missing field compares as "<nil>".
func (r Rule) Match(payload map[string]any) bool {
	if r.Op == "" {
		return true
	}
	actual := fmt.Sprint(lookup(payload, r.Field))
	if r.Op == "==" {
		return actual == r.Expected
	}
	return actual != r.Expected
}

func lookup(payload map[string]any, path string) any {
	var cur any = payload
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// splitCondition splits s around the first occurrence of op, skipping an
// "==" that is really the tail of "!=".
func splitCondition(s, op string) []string {
	idx := -1
	for i := 0; i <= len(s)-len(op); i++ {
		if s[i:i+len(op)] == op {
			if op == "==" && i > 0 && s[i-1] == '!' {
				continue
			}
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	return []string{s[:idx], s[idx+len(op):]}
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}
