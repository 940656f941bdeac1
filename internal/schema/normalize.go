package schema

import "strings"

// DefaultRole is substituted whenever role resolution would otherwise
// produce an empty set (spec §3 invariant iii, §9 design note on DEFAULT_ROLE).
const DefaultRole = "MEMBER"

// DefaultAccountType is substituted for any unrecognized account type hint.
const DefaultAccountType = "LOCAL"

// allowedRoles is the closed set roles are drawn from (spec GLOSSARY).
var allowedRoles = map[string]bool{
	"STAFF":   true,
	"DIAMOND": true,
	"GOLD":    true,
	"MEMBER":  true,
}

// allowedAccountTypes is the closed set account-type hints are drawn from.
// LOCAL is the catch-all default; the remaining values are recognized third
// party identity sources.
var allowedAccountTypes = map[string]bool{
	"LOCAL":   true,
	"DISCORD": true,
	"GOOGLE":  true,
	"GUEST":   true,
}

// NormalizeRoles upper-cases, trims, deduplicates, and filters the input
// against the allowed role set, preserving first-seen order. Non-array input
// (nil) yields an empty slice, never nil-vs-empty ambiguity for callers.
func NormalizeRoles(input []string) []string {
	out := make([]string, 0, len(input))
	seen := make(map[string]bool, len(input))
	for _, raw := range input {
		role := strings.ToUpper(strings.TrimSpace(raw))
		if role == "" || !allowedRoles[role] || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

// NormalizeAccountType upper-cases and trims the input; unknown or empty
// values map to DefaultAccountType.
func NormalizeAccountType(input string) string {
	accountType := strings.ToUpper(strings.TrimSpace(input))
	if !allowedAccountTypes[accountType] {
		return DefaultAccountType
	}
	return accountType
}

// ResolveName trims the input; empty or whitespace-only names fall back to
// the literal "Unknown" (spec §4.4.1).
func ResolveName(input string) string {
	name := strings.TrimSpace(input)
	if name == "" {
		return "Unknown"
	}
	return name
}

// EffectiveRoles applies the role-resolution order from spec §4.4.1: store
// roles win when non-empty, otherwise the client hint, otherwise the default.
func EffectiveRoles(storeRoles, hintRoles []string) []string {
	if len(storeRoles) > 0 {
		return storeRoles
	}
	if len(hintRoles) > 0 {
		return hintRoles
	}
	return []string{DefaultRole}
}
