// Copyright 2025 James Ross
package pipeline

import "time"

// Sanitize rewrites opaque values the way document-store backends need
// before persisting them: within nested
// maps, keys beginning with "$" are rewritten to "_$..." so they don't
// collide with the store's reserved operators, and anything already a
// time.Time is left alone (callers encode it as a native timestamp, not a
// nested map, so there is nothing to rewrite there).
//
// Dematerialize is Sanitize's inverse, and also turns the
// {"$date": "<RFC3339>"} shape some document stores round-trip timestamps
// through back into a time.Time.
func Sanitize(v Opaque) Opaque {
	switch t := v.(type) {
	case map[string]Opaque:
		out := make(map[string]Opaque, len(t))
		for k, val := range t {
			nk := k
			if len(k) > 0 && k[0] == '$' {
				nk = "_" + k
			}
			out[nk] = Sanitize(val)
		}
		return out
	case []Opaque:
		out := make([]Opaque, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}

// Dematerialize reverses Sanitize and additionally turns any
// {"$date": "<RFC3339Nano>"} map back into a time.Time, recursively.
func Dematerialize(v Opaque) Opaque {
	switch t := v.(type) {
	case map[string]Opaque:
		if len(t) == 1 {
			if raw, ok := t["$date"]; ok {
				if s, ok := raw.(string); ok {
					if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
						return ts
					}
				}
			}
		}
		out := make(map[string]Opaque, len(t))
		for k, val := range t {
			nk := k
			if len(k) > 1 && k[0] == '_' && k[1] == '$' {
				nk = k[1:]
			}
			out[nk] = Dematerialize(val)
		}
		return out
	case []Opaque:
		out := make([]Opaque, len(t))
		for i, val := range t {
			out[i] = Dematerialize(val)
		}
		return out
	default:
		return v
	}
}
