// Package mapping implements the prefix-based routing-table resolver
// shared by the relay (annotating outbound frames) and the agent
// (choosing a local HTTP target).
package mapping

import "strings"

// Entry is a single routing-table entry. Target is a base URL (scheme +
// host + port, no path). Prefix is a non-empty, unique path segment.
type Entry struct {
	Prefix      string
	Target      string
	Description string
}

// Table is an agent's effective (enabled-only) routing table plus its
// fallback target.
type Table struct {
	Mappings      []Entry
	DefaultTarget string
}

// Resolve picks a base URL and rewritten path for the inbound path p.
//
//  1. strip a single leading '/' from p.
//  2. filter entries where the stripped path equals the prefix, or begins
//     with prefix+"/", or begins with prefix as a bare string (so
//     "apikey/x" matches prefix "api"; no segment boundary is required).
//  3. take the longest matching prefix (the first one seen on equal length).
//  4. if a match exists, rewrite the path with the prefix consumed;
//     otherwise fall back to DefaultTarget with the path unchanged.
func (t Table) Resolve(p string) (baseURL string, rewrittenPath string) {
	stripped := strings.TrimPrefix(p, "/")

	var best *Entry
	for i := range t.Mappings {
		e := &t.Mappings[i]
		if e.Prefix == "" {
			continue
		}
		if !matches(stripped, e.Prefix) {
			continue
		}
		if best == nil || len(e.Prefix) > len(best.Prefix) {
			best = e
		}
	}

	if best == nil {
		return t.DefaultTarget, p
	}

	rest := strings.TrimPrefix(stripped, best.Prefix)
	rest = strings.TrimPrefix(rest, "/")
	return best.Target, "/" + rest
}

func matches(stripped, prefix string) bool {
	if stripped == prefix {
		return true
	}
	if strings.HasPrefix(stripped, prefix+"/") {
		return true
	}
	return strings.HasPrefix(stripped, prefix)
}
