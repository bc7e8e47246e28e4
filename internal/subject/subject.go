// Package subject implements hierarchical, dot-separated routing subjects
// and the wildcard matcher used throughout Relay: concrete subjects like
// "relay.agent.sess1" and patterns like "relay.agent.>" or "relay.*.console".
package subject

import "strings"

// tokenValid reports whether a single token uses only [A-Za-z0-9_-].
func tokenValid(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Split breaks a subject into its dot-separated tokens without validating them.
func Split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// ValidateConcrete checks that s is a non-empty, non-wildcard subject made of
// valid tokens. Concrete subjects are what endpoints register and what
// envelopes publish to.
func ValidateConcrete(s string) error {
	if s == "" {
		return errEmptySubject
	}
	toks := Split(s)
	for _, t := range toks {
		if t == "*" || t == ">" {
			return errWildcardInConcrete
		}
		if !tokenValid(t) {
			return errInvalidToken
		}
	}
	return nil
}

// ValidatePattern checks that s is a non-empty subscription/access-rule
// pattern: tokens are either valid literal tokens, "*" (exactly one token),
// or ">" (one or more remaining tokens, only as the last token).
func ValidatePattern(s string) error {
	if s == "" {
		return errEmptySubject
	}
	toks := Split(s)
	for i, t := range toks {
		if t == ">" {
			if i != len(toks)-1 {
				return errGreaterNotLast
			}
			continue
		}
		if t == "*" {
			continue
		}
		if !tokenValid(t) {
			return errInvalidToken
		}
	}
	return nil
}

// Match reports whether the concrete subject matches pattern, per the rules
// in spec.md §3.1: "*" matches exactly one token, ">" matches one or more
// remaining tokens and must be the pattern's last token, everything else is
// literal token comparison.
func Match(pattern, concrete string) bool {
	pTok := Split(pattern)
	cTok := Split(concrete)

	i := 0
	for ; i < len(pTok); i++ {
		p := pTok[i]
		if p == ">" {
			// ">" requires at least one remaining token.
			return i < len(cTok)
		}
		if i >= len(cTok) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != cTok[i] {
			return false
		}
	}
	// No ">" consumed the rest; lengths must match exactly.
	return i == len(cTok)
}
