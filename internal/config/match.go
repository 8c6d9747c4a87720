package config

import "strings"

// MatchModelPattern matches a model name against a pattern that may contain
// a single '*' wildcard. Supported forms: "*", "prefix*", "*suffix" and
// "prefix*suffix". Matching is case-insensitive.
func MatchModelPattern(pattern, model string) bool {
	pattern = strings.ToLower(pattern)
	model = strings.ToLower(model)

	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == model
	}

	prefix := pattern[:star]
	suffix := pattern[star+1:]
	if len(model) < len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(model, prefix) && strings.HasSuffix(model, suffix)
}
