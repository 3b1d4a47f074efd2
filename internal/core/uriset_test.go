package core

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func parseOne(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return u
}

func TestNormalizeNil(t *testing.T) {
	got := Normalize(nil)
	if !got.IsEmpty() {
		t.Fatalf("expected nil to normalize to the empty sentinel, got %v", got)
	}
}

func TestNormalizeSingleURI(t *testing.T) {
	u := parseOne(t, "sip:bob@example.com")
	got := Normalize(u)
	if len(got) != 1 || len(got[0]) != 1 || got[0][0].User != "bob" {
		t.Fatalf("unexpected normalization of a bare sip.Uri: %v", got)
	}
}

func TestNormalizeCommaSeparatedString(t *testing.T) {
	got := Normalize("sip:a@example.com, sip:b@example.com")
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected one parallel group of two URIs, got %v", got)
	}
	if got[0][0].User != "a" || got[0][1].User != "b" {
		t.Fatalf("unexpected user parts: %q %q", got[0][0].User, got[0][1].User)
	}
}

func TestNormalizeStringWithUnparseableEntryIsSkipped(t *testing.T) {
	got := Normalize("sip:a@example.com, not-a-uri, sip:b@example.com")
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected the unparseable entry to be dropped, got %v", got)
	}
}

func TestNormalizeNestedGroupsAreSerial(t *testing.T) {
	group1 := []any{parseOne(t, "sip:a@example.com"), parseOne(t, "sip:b@example.com")}
	group2 := []any{parseOne(t, "sip:c@example.com")}
	got := Normalize([]any{group1, group2})

	if len(got) != 2 {
		t.Fatalf("expected two serial groups, got %d", len(got))
	}
	if len(got[0]) != 2 || len(got[1]) != 1 {
		t.Fatalf("unexpected group sizes: %v", got)
	}
}

func TestNormalizeFlatMixedSliceIsOneGroup(t *testing.T) {
	got := Normalize([]any{parseOne(t, "sip:a@example.com"), "sip:b@example.com"})
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected a flat []any with no nested groups to collapse to one parallel group, got %v", got)
	}
}

func TestNormalizeDegenerateYieldsEmptySentinel(t *testing.T) {
	got := Normalize(42)
	if !got.IsEmpty() {
		t.Fatalf("expected an unrecognized input type to normalize to the empty sentinel, got %v", got)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	input := []any{
		[]any{parseOne(t, "sip:a@example.com")},
		[]any{parseOne(t, "sip:b@example.com"), parseOne(t, "sip:c@example.com")},
	}
	once := Normalize(input)
	twice := Normalize(once)

	if len(once) != len(twice) {
		t.Fatalf("re-normalizing changed group count: %v vs %v", once, twice)
	}
	for i := range once {
		if len(once[i]) != len(twice[i]) {
			t.Fatalf("re-normalizing changed group %d size: %v vs %v", i, once[i], twice[i])
		}
	}
}

func TestNormalizeStripsRegistrationOnlyParams(t *testing.T) {
	u := parseOne(t, "sip:bob@example.com;+sip.instance=\"<urn:uuid:abc>\";reg-id=1")
	got := Normalize(u)
	if got[0][0].UriParams != nil {
		if _, ok := got[0][0].UriParams.Get("reg-id"); ok {
			t.Fatal("expected reg-id to be stripped from a forwarded destination URI")
		}
		if _, ok := got[0][0].UriParams.Get("+sip.instance"); ok {
			t.Fatal("expected +sip.instance to be stripped from a forwarded destination URI")
		}
	}
}
