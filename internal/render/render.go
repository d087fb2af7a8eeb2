// Package render implements Stage 1 of the input pipeline (spec.md section
// 4.4): a Jinja-style template renderer. Every node input value is a
// template string scanned for "{{ ... }}" placeholders; everything outside a
// placeholder passes through literally.
//
// No Jinja-style (or any) templating library appears anywhere in the
// retrieved pack — see DESIGN.md's stdlib-fallback justification. This
// scanner is hand-rolled in the style of
// internal/expressions/interpolation.go's "${{...}}" character scanner, just
// without the leading "$" and with a Jinja-ish filter pipeline instead of
// namespaced lookups.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/definitelycarter/fuschia/internal/xerrors"
)

// Context is the rendering context for one node: either a single object
// (one upstream, or a trigger payload) or a map of upstream node id -> data
// object (a join with N upstreams), per spec.md section 4.4.
type Context struct {
	Single map[string]any            // set when there is exactly one upstream
	Joined map[string]map[string]any // set for a join node's N upstreams
}

// SingleContext builds a Context from one upstream's envelope data.
func SingleContext(data map[string]any) Context { return Context{Single: data} }

// JoinedContext builds a Context from a join node's per-upstream data.
func JoinedContext(data map[string]map[string]any) Context { return Context{Joined: data} }

func (c Context) lookup(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	if c.Joined != nil {
		obj, ok := c.Joined[path[0]]
		if !ok {
			return nil, false
		}
		return lookupPath(obj, path[1:])
	}
	return lookupPath(c.Single, path)
}

func lookupPath(root any, path []string) (any, bool) {
	cur := any(root)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// RenderAll renders every template in inputs against ctx, returning a map
// of field name -> rendered string (Stage 1's contract: templates always
// produce strings).
func RenderAll(nodeID string, inputs map[string]string, ctx Context) (map[string]string, error) {
	out := make(map[string]string, len(inputs))
	for field, tmpl := range inputs {
		rendered, err := Render(tmpl, ctx)
		if err != nil {
			return nil, xerrors.InputResolution(nodeID, fmt.Sprintf("field %q: %v", field, err))
		}
		out[field] = rendered
	}
	return out, nil
}

// Render renders a single template string against ctx.
func Render(tmpl string, ctx Context) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+start])
		exprStart := i + start + 2
		end := strings.Index(tmpl[exprStart:], "}}")
		if end == -1 {
			return "", fmt.Errorf("unterminated {{ starting at offset %d", i+start)
		}
		expr := strings.TrimSpace(tmpl[exprStart : exprStart+end])
		val, err := evalExpr(expr, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(toStringValue(val))
		i = exprStart + end + 2
	}
	return out.String(), nil
}

// evalExpr evaluates one "{{ ... }}" body: a path expression (optionally a
// quoted/numeric/bool literal) followed by zero or more "| filter(args)"
// pipeline stages.
func evalExpr(expr string, ctx Context) (any, error) {
	parts := splitPipeline(expr)
	operand := strings.TrimSpace(parts[0])
	val, err := evalOperand(operand, ctx)
	if err != nil {
		// An undefined variable piped straight into default(...) takes the
		// default value instead of failing the render.
		if operand == "" || len(parts) < 2 {
			return nil, err
		}
		if name, _, _ := parseFilterCall(strings.TrimSpace(parts[1])); name != "default" {
			return nil, err
		}
		val = nil
	}
	for _, stage := range parts[1:] {
		val, err = applyFilter(strings.TrimSpace(stage), val)
		if err != nil {
			return nil, err
		}
	}
	return val, nil
}

// splitPipeline splits on top-level "|" (not inside quotes or parens).
func splitPipeline(expr string) []string {
	var parts []string
	depth := 0
	inQuote := byte(0)
	last := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '|' && depth == 0:
			parts = append(parts, expr[last:i])
			last = i + 1
		}
	}
	parts = append(parts, expr[last:])
	return parts
}

// evalOperand resolves a path expression or a literal.
func evalOperand(operand string, ctx Context) (any, error) {
	if operand == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if (strings.HasPrefix(operand, "'") && strings.HasSuffix(operand, "'")) ||
		(strings.HasPrefix(operand, `"`) && strings.HasSuffix(operand, `"`)) {
		return operand[1 : len(operand)-1], nil
	}
	if operand == "true" || operand == "false" {
		return operand == "true", nil
	}
	if n, err := strconv.ParseFloat(operand, 64); err == nil {
		return n, nil
	}

	path := splitPath(operand)
	v, ok := ctx.lookup(path)
	if !ok {
		return nil, fmt.Errorf("undefined variable %q", operand)
	}
	return v, nil
}

// splitPath turns "a.b[0].c" into ["a","b","0","c"].
func splitPath(s string) []string {
	s = strings.ReplaceAll(s, "[", ".")
	s = strings.ReplaceAll(s, "]", "")
	var out []string
	for _, seg := range strings.Split(s, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// applyFilter implements the minimum filter set spec.md section 4.4 names
// (upper, lower, title, length, default(v), tojson) plus the two
// supplements named in SPEC_FULL.md section 13.1 (join(sep), jq(program)).
func applyFilter(stage string, val any) (any, error) {
	name, arg, hasArg := parseFilterCall(stage)
	switch name {
	case "upper":
		return strings.ToUpper(toStringValue(val)), nil
	case "lower":
		return strings.ToLower(toStringValue(val)), nil
	case "title":
		return strings.Title(toStringValue(val)), nil //nolint:staticcheck // no golang.org/x/text in the pack
	case "length":
		return lengthOf(val), nil
	case "default":
		if val == nil || val == "" {
			if !hasArg {
				return nil, fmt.Errorf("default filter requires an argument")
			}
			lit, err := evalOperand(arg, Context{})
			if err != nil {
				return arg, nil // bare identifiers in default() are treated as literals
			}
			return lit, nil
		}
		return val, nil
	case "tojson":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("tojson: %w", err)
		}
		return string(b), nil
	case "join":
		sep := ","
		if hasArg {
			sep = strings.Trim(arg, `'"`)
		}
		return joinValue(val, sep), nil
	case "jq":
		if !hasArg {
			return nil, fmt.Errorf("jq filter requires a program argument")
		}
		return runJQ(strings.Trim(arg, `'"`), val)
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}

func parseFilterCall(stage string) (name, arg string, hasArg bool) {
	open := strings.Index(stage, "(")
	if open == -1 {
		return stage, "", false
	}
	close := strings.LastIndex(stage, ")")
	if close == -1 || close < open {
		return stage, "", false
	}
	return stage[:open], strings.TrimSpace(stage[open+1 : close]), true
}

func lengthOf(val any) int {
	switch v := val.(type) {
	case string:
		return len(v)
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	default:
		return 0
	}
}

func joinValue(val any, sep string) string {
	arr, ok := val.([]any)
	if !ok {
		return toStringValue(val)
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = toStringValue(v)
	}
	return strings.Join(parts, sep)
}

// runJQ applies a gojq program to val, the power-user filter named in
// SPEC_FULL.md section 11.3, grounded on internal/expressions/gojq.go's
// compiled-query usage.
func runJQ(program string, val any) (any, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("jq: %w", err)
	}
	iter := query.Run(val)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("jq: %w", err)
	}
	return v, nil
}

func toStringValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// SortedFields returns input field names in deterministic order, used only
// by callers that want stable iteration (e.g. tests, CLI pretty-printing).
func SortedFields(inputs map[string]string) []string {
	fields := make([]string, 0, len(inputs))
	for k := range inputs {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
