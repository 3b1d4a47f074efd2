package core

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func newTestInvite(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@example.com", &uri); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	via := sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "caller.example.com", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", "z9hG4bKexternal")
	req.AppendHeader(&via)
	return req
}

func TestRouterValidateRejectsExhaustedMaxForwards(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1"})
	req := newTestInvite(t)
	mf := sip.MaxForwardsHeader(0)
	req.AppendHeader(&mf)

	rerr := router.Validate(req)
	if rerr == nil || rerr.Kind != ErrKindTooManyHops {
		t.Fatalf("expected TooManyHops, got %+v", rerr)
	}
}

func TestRouterValidateDetectsOwnLoopedBranch(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1"})
	req := newTestInvite(t)
	via := req.Via()
	via.Params.Add("branch", newBranch("forkcored-1"))

	rerr := router.Validate(req)
	if rerr == nil || rerr.Kind != ErrKindLoopDetected {
		t.Fatalf("expected LoopDetected for a self-minted branch, got %+v", rerr)
	}
}

func TestRouterValidatePassesExternalBranch(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1"})
	req := newTestInvite(t)

	if rerr := router.Validate(req); rerr != nil {
		t.Fatalf("expected a fresh external request to pass validation, got %+v", rerr)
	}
}

func TestRouterValidateRejectsUnsupportedProxyRequire(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1", RequireSupported: []string{"foo"}})
	req := newTestInvite(t)
	req.AppendHeader(sip.NewHeader("Proxy-Require", "foo, bar"))

	rerr := router.Validate(req)
	if rerr == nil || rerr.Kind != ErrKindBadExtension {
		t.Fatalf("expected BadExtension for unsupported token, got %+v", rerr)
	}
}

func TestRouterDecrementMaxForwardsAppliesDefault(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1", MaxForwardsDefault: 70})
	req := newTestInvite(t)

	if got := router.DecrementMaxForwards(req); got != 69 {
		t.Fatalf("expected default 70 decremented to 69, got %d", got)
	}

	mf := sip.MaxForwardsHeader(10)
	req.AppendHeader(&mf)
	if got := router.DecrementMaxForwards(req); got != 9 {
		t.Fatalf("expected explicit Max-Forwards 10 decremented to 9, got %d", got)
	}
}

func TestRouterTopRouteIsSelf(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1", Domain: "proxy.example.com"})
	req := newTestInvite(t)

	if router.TopRouteIsSelf(req) {
		t.Fatal("expected no Route header to mean TopRouteIsSelf is false")
	}

	var routeURI sip.Uri
	if err := sip.ParseUri("sip:proxy.example.com", &routeURI); err != nil {
		t.Fatalf("parsing route uri: %v", err)
	}
	req.AppendHeader(&sip.RouteHeader{Address: routeURI})
	if !router.TopRouteIsSelf(req) {
		t.Fatal("expected a Route header naming this proxy's domain to match")
	}
}

func TestRouterAdmitWithoutRateLimitAlwaysAllows(t *testing.T) {
	router := NewRouter(RouterConfig{AppID: "forkcored-1"})
	for i := 0; i < 5; i++ {
		if !router.Admit("1.2.3.4") {
			t.Fatal("expected admission with no configured rate limit to always allow")
		}
	}
}
