package lang

import (
	"sort"
	"strings"
)

// Normalize folds a BCP-47 style tag to its primary subtag ("en-US" -> "en").
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	return code
}

// Set is a closed set of supported language codes.
type Set map[string]struct{}

func NewSet(codes ...string) Set {
	s := make(Set, len(codes))
	for _, c := range codes {
		if n := Normalize(c); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Resolve normalizes code and reports whether it is in the set.
func (s Set) Resolve(code string) (string, bool) {
	n := Normalize(code)
	if n == "" {
		return "", false
	}
	_, ok := s[n]
	return n, ok
}

func (s Set) Contains(code string) bool {
	_, ok := s.Resolve(code)
	return ok
}

func (s Set) Codes() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
