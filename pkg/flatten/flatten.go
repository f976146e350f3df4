// Package flatten turns the per-IP service scan JSONs into one wide
// analysis CSV.
package flatten

import (
	"encoding/json"
	"strconv"
	"strings"
)

// skippedKey holds the one subtree that never makes it into the CSV,
// raw certificates blow up the row width for no analytical value.
const skippedKey = "service.tls.raw"

// Flatten converts a decoded JSON object into dot-notation keys.
// Lists of primitives collapse into a `;`-joined cell plus a
// `<key>_count` column; lists holding objects stringify as compact
// sorted-key JSON.
func Flatten(obj any) map[string]string {
	items := map[string]string{}
	flattenInto(items, obj, "")
	return items
}

func flattenInto(items map[string]string, obj any, parentKey string) {
	switch v := obj.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if parentKey != "" {
				key = parentKey + "." + k
			}
			if key == skippedKey {
				continue
			}
			flattenInto(items, child, key)
		}
	case []any:
		if parentKey == "" {
			return
		}
		items[parentKey+"_count"] = strconv.Itoa(len(v))

		if allPrimitives(v) {
			vals := make([]string, 0, len(v))
			for _, x := range v {
				if x == nil {
					continue
				}
				vals = append(vals, rawString(x))
			}
			items[parentKey] = CleanValue(strings.Join(vals, ";"))
			items[parentKey+"_count"] = strconv.Itoa(len(vals))
			return
		}

		b, err := json.Marshal(v)
		if err != nil {
			items[parentKey] = ""
			return
		}
		items[parentKey] = CleanValue(string(b))
	default:
		items[parentKey] = CleanValue(v)
	}
}

func allPrimitives(list []any) bool {
	for _, x := range list {
		switch x.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

// CleanValue renders any JSON scalar as a CSV cell: newlines and tabs
// become spaces, surrounding quotes are trimmed, semicolons stay.
func CleanValue(value any) string {
	if value == nil {
		return ""
	}
	text := rawString(value)
	replacer := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")
	text = replacer.Replace(text)
	text = strings.TrimSpace(text)
	text = strings.Trim(text, `"`)
	return strings.Trim(text, "'")
}

func rawString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// NormalizeFqdns splits an fqdns value, string or list, on whitespace
// and the usual separators, trimming stray dots.
func NormalizeFqdns(value any) []string {
	var out []string
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		for _, x := range v {
			if x == nil {
				continue
			}
			out = append(out, splitFqdn(rawString(x))...)
		}
	case string:
		out = splitFqdn(v)
	default:
		s := strings.Trim(strings.TrimSpace(rawString(v)), ".")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitFqdn(s string) []string {
	var out []string
	for _, part := range separatorPattern.Split(strings.TrimSpace(s), -1) {
		t := strings.Trim(strings.TrimSpace(part), ".")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
