package core

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestNewBranchCarriesMagicCookieAndAppID(t *testing.T) {
	b := newBranch("forkcored-1")
	if !strings.HasPrefix(b, "z9hG4bK") {
		t.Fatalf("branch %q missing RFC 3261 magic cookie", b)
	}
	if !strings.Contains(b, "forkcored-1") {
		t.Fatalf("branch %q does not carry the AppID", b)
	}
}

func TestNewBranchIsUniquePerCall(t *testing.T) {
	if newBranch("a") == newBranch("a") {
		t.Fatal("expected two branches minted for the same AppID to differ")
	}
}

func TestTagBranchOverwritesExistingBranch(t *testing.T) {
	uri := mustURITags(t, "sip:bob@example.com")
	req := sip.NewRequest(sip.INVITE, uri)
	via := sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "proxy.example.com", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", "z9hG4bKoriginal")
	req.AppendHeader(&via)

	opt := tagBranch("forkcored-1")
	if err := opt(nil, req); err != nil {
		t.Fatalf("tagBranch returned error: %v", err)
	}

	branch, ok := req.Via().Params.Get("branch")
	if !ok {
		t.Fatal("expected a branch param to remain after tagging")
	}
	if branch == "z9hG4bKoriginal" {
		t.Fatal("expected tagBranch to overwrite the existing branch")
	}
	if !strings.Contains(branch, "forkcored-1") {
		t.Fatalf("expected tagged branch to carry the AppID, got %q", branch)
	}
}

func TestTagBranchNoopWithoutVia(t *testing.T) {
	uri := mustURITags(t, "sip:bob@example.com")
	req := sip.NewRequest(sip.INVITE, uri)
	opt := tagBranch("forkcored-1")
	if err := opt(nil, req); err != nil {
		t.Fatalf("expected tagBranch to be a no-op without a Via, got error: %v", err)
	}
}

// TestRouterRecognizesItsOwnTaggedBranch is the regression test for the
// loop-detection gap: a branch minted via tagBranch/newBranch must be
// recognized by isOwnBranch using the same Router AppID.
func TestRouterRecognizesItsOwnTaggedBranch(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1"})
	branch := newBranch("forkcored-1")
	if !router.isOwnBranch(branch) {
		t.Fatalf("expected router to recognize its own tagged branch %q", branch)
	}
	if router.isOwnBranch("z9hG4bKsomeoneElse") {
		t.Fatal("router falsely recognized a branch it never minted")
	}
}

func mustURITags(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("parsing uri %q: %v", s, err)
	}
	return u
}
