package core

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// UriSet is the canonical list-of-lists spec.md §4.1 defines: the outer
// slice is serial order, each inner slice is a parallel group.
type UriSet [][]sip.Uri

// IsEmpty reports the "no destinations" sentinel shape [[]]  (or a
// genuinely empty outer slice, which normalization never produces but a
// direct caller might).
func (u UriSet) IsEmpty() bool {
	for _, group := range u {
		if len(group) > 0 {
			return false
		}
	}
	return true
}

// requestURIOnlyParams are parameters that identify a specific
// registration binding (Contact-header territory) rather than a routable
// destination, and so must not leak into a Request-URI built from a
// forwarded Contact or redirect target.
var requestURIOnlyParams = []string{"reg-id", "+sip.instance", "ob"}

func stripOpaqueParams(u sip.Uri) sip.Uri {
	if u.UriParams == nil {
		return u
	}
	clean := u
	clean.UriParams = u.UriParams.Clone()
	for _, p := range requestURIOnlyParams {
		clean.UriParams.Remove(p)
	}
	return clean
}

// Normalize converts a heterogeneously-shaped destination description
// into a UriSet. Input may be a bare sip.Uri, a *sip.Uri, a string
// (possibly comma-separated), a []sip.Uri, or a []any containing any mix
// of the above plus nested []any groups (a nested slice denotes a
// parallel group). Normalization never fails: unparseable strings
// contribute no URIs, and a fully degenerate input yields [[]].
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x), since
// a UriSet re-fed as input keeps its groups as they are and only
// re-strips params its URIs no longer carry.
func Normalize(input any) UriSet {
	if input == nil {
		return UriSet{{}}
	}

	switch v := input.(type) {
	case UriSet:
		out := make(UriSet, 0, len(v))
		for _, g := range v {
			out = append(out, normalizeGroup(g))
		}
		return coalesceEmpty(out)

	case sip.Uri:
		return UriSet{normalizeGroup([]sip.Uri{v})}

	case *sip.Uri:
		if v == nil {
			return UriSet{{}}
		}
		return UriSet{normalizeGroup([]sip.Uri{*v})}

	case string:
		return UriSet{normalizeGroup(parseUriList(v))}

	case []sip.Uri:
		return UriSet{normalizeGroup(v)}

	case []any:
		return normalizeMixed(v)

	default:
		return UriSet{{}}
	}
}

// normalizeMixed handles the case that distinguishes a single parallel
// group from a multi-group serial list: a []any with at least one nested
// []any (or UriSet/[]sip.Uri taken as a sub-group) is multi-group; scalar
// runs between nested groups are coalesced into their own group at the
// position they occupy.
func normalizeMixed(items []any) UriSet {
	hasNested := false
	for _, it := range items {
		if isGroupShaped(it) {
			hasNested = true
			break
		}
	}

	if !hasNested {
		return UriSet{normalizeGroup(flattenScalars(items))}
	}

	var out UriSet
	var pending []sip.Uri
	flush := func() {
		if len(pending) > 0 {
			out = append(out, normalizeGroup(pending))
			pending = nil
		}
	}

	for _, it := range items {
		if isGroupShaped(it) {
			flush()
			out = append(out, normalizeGroup(extractGroup(it)))
			continue
		}
		pending = append(pending, flattenScalars([]any{it})...)
	}
	flush()

	return coalesceEmpty(out)
}

func isGroupShaped(v any) bool {
	switch v.(type) {
	case []any, []sip.Uri, UriSet, [][]sip.Uri:
		return true
	default:
		return false
	}
}

func extractGroup(v any) []sip.Uri {
	switch t := v.(type) {
	case []any:
		return flattenScalars(t)
	case []sip.Uri:
		return t
	case UriSet:
		var uris []sip.Uri
		for _, g := range t {
			uris = append(uris, g...)
		}
		return uris
	case [][]sip.Uri:
		var uris []sip.Uri
		for _, g := range t {
			uris = append(uris, g...)
		}
		return uris
	default:
		return nil
	}
}

func flattenScalars(items []any) []sip.Uri {
	var out []sip.Uri
	for _, it := range items {
		switch v := it.(type) {
		case sip.Uri:
			out = append(out, v)
		case *sip.Uri:
			if v != nil {
				out = append(out, *v)
			}
		case string:
			out = append(out, parseUriList(v)...)
		case []sip.Uri:
			out = append(out, v...)
		case []any:
			out = append(out, flattenScalars(v)...)
		}
	}
	return out
}

func normalizeGroup(in []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, 0, len(in))
	for _, u := range in {
		out = append(out, stripOpaqueParams(u))
	}
	return out
}

func parseUriList(s string) []sip.Uri {
	var out []sip.Uri
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var u sip.Uri
		if err := sip.ParseUri(part, &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// coalesceEmpty collapses a UriSet with no groups at all down to the
// canonical "no destinations" shape [[]].
func coalesceEmpty(u UriSet) UriSet {
	if len(u) == 0 {
		return UriSet{{}}
	}
	return u
}
