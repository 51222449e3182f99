package parser

import (
	"strconv"
	"strings"
)

// ValueKind discriminates frontmatter value shapes.
type ValueKind int

const (
	StringValue ValueKind = iota
	ListValue
	IntValue
	BoolValue
)

// Value is one parsed frontmatter value. Frontmatter is untyped on
// disk; values are classified at parse time into string, list of
// strings, integer, or boolean.
type Value struct {
	Kind ValueKind
	Str  string
	List []string
	Int  int64
	Bool bool
}

// AsString renders any value shape back to a string.
func (v Value) AsString() string {
	switch v.Kind {
	case ListValue:
		return strings.Join(v.List, ", ")
	case IntValue:
		return strconv.FormatInt(v.Int, 10)
	case BoolValue:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// AsList normalizes any value shape into a list of strings.
func (v Value) AsList() []string {
	switch v.Kind {
	case ListValue:
		return v.List
	case StringValue:
		if v.Str == "" {
			return nil
		}
		return []string{v.Str}
	default:
		return []string{v.AsString()}
	}
}

// Frontmatter is the parsed key/value header of a document.
type Frontmatter map[string]Value

// String returns the value for key rendered as a string, or "".
func (f Frontmatter) String(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	return v.AsString()
}

// StringList returns the value for key as a list of strings, or nil.
func (f Frontmatter) StringList(key string) []string {
	v, ok := f[key]
	if !ok {
		return nil
	}
	return v.AsList()
}

// listKeys are always normalized to lists, split on commas.
var listKeys = map[string]struct{}{"tags": {}, "concepts": {}}

// parseFrontmatterLines parses the lines between the frontmatter fences.
// Each entry is "key: value"; lines without a colon are skipped. Values
// for tags and concepts split on commas; other values are classified as
// bool, int, or string.
func parseFrontmatterLines(lines []string) Frontmatter {
	fm := Frontmatter{}
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		key, rawValue, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		fm[key] = classifyValue(key, strings.TrimSpace(rawValue))
	}
	return fm
}

func classifyValue(key, raw string) Value {
	raw = stripQuotes(raw)

	if _, isList := listKeys[key]; isList || looksLikeList(raw) {
		var items []string
		for _, part := range strings.Split(strings.Trim(raw, "[]"), ",") {
			part = stripQuotes(strings.TrimSpace(part))
			if part != "" {
				items = append(items, part)
			}
		}
		return Value{Kind: ListValue, List: items}
	}

	switch strings.ToLower(raw) {
	case "true":
		return Value{Kind: BoolValue, Bool: true}
	case "false":
		return Value{Kind: BoolValue, Bool: false}
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Value{Kind: IntValue, Int: n}
	}

	return Value{Kind: StringValue, Str: raw}
}

func looksLikeList(raw string) bool {
	return strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]")
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
