package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider accepts in its settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports required keys that are absent or blank, and keys the
// schema does not know.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match regardless of
// case, underscores and hyphens. The error, when non-nil, is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
	}
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for nk := range required {
		allowed[nk] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var serr SettingsError
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
		if reqKey, ok := required[nk]; ok && blank(v) {
			serr.Missing = append(serr.Missing, reqKey)
			continue
		}
		present[nk] = true
	}
	for nk, reqKey := range required {
		if !present[nk] && !contains(serr.Missing, reqKey) {
			serr.Missing = append(serr.Missing, reqKey)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return &serr
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
