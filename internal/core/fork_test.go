package core

import (
	"context"
	"testing"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// fakeClientTx is a minimal sip.ClientTransaction double: responses are fed
// by the test through respond/fail, never by a real transport.
type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
	err       error
}

func newFakeClientTx() *fakeClientTx {
	return &fakeClientTx{
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (f *fakeClientTx) Terminate()                            {}
func (f *fakeClientTx) OnTerminate(sip.FnTxTerminate) bool    { return true }
func (f *fakeClientTx) Done() <-chan struct{}                 { return f.done }
func (f *fakeClientTx) Err() error                            { return f.err }
func (f *fakeClientTx) Responses() <-chan *sip.Response       { return f.responses }
func (f *fakeClientTx) OnRetransmission(sip.FnTxResponse) bool { return true }

// respond delivers res on the Responses() channel only. pumpResponses
// returns on its own once it sees a final response, so Done() never needs
// to fire for these tests — leaving it open also avoids a select-case race
// between the Responses() and Done() arms for a final response.
func (f *fakeClientTx) respond(res *sip.Response) {
	f.responses <- res
}

// fakeTransport hands out a fakeClientTx per call and records every request
// sent through it, standing in for *sipgo.Client in tests.
type fakeTransport struct {
	txs      []*fakeClientTx
	sent     []*sip.Request
	writeErr error
}

func (t *fakeTransport) TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	for _, o := range opts {
		if err := o(nil, req); err != nil {
			return nil, err
		}
	}
	t.sent = append(t.sent, req)
	tx := newFakeClientTx()
	t.txs = append(t.txs, tx)
	return tx, nil
}

func (t *fakeTransport) WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error {
	t.sent = append(t.sent, req)
	return t.writeErr
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("parsing uri %q: %v", s, err)
	}
	return u
}

func baseInvite(t *testing.T, to string) *sip.Request {
	t.Helper()
	recipient := mustURI(t, to)
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(sip.NewHeader("Call-ID", "call-1"))
	from := sip.FromHeader{Address: mustURI(t, "sip:caller@example.com"), Params: sip.NewParams()}
	from.Params.Add("tag", "fromtag")
	req.AppendHeader(&from)
	to2 := sip.ToHeader{Address: recipient, Params: sip.NewParams()}
	req.AppendHeader(&to2)
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE}
	req.AppendHeader(&cseq)
	via := sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "proxy.example.com", Port: 5060, Params: sip.NewParams()}
	req.AppendHeader(&via)
	return req
}

func TestRankResponseOrdering(t *testing.T) {
	cases := []struct {
		a, b int
		want bool // rank(a) < rank(b)
	}{
		{401, 500, true}, // 401 -> 3999, 500 -> 5000
		{484, 503, true}, // 484 -> 4000, 503 -> 5000
		{600, 503, true}, // a 6xx always outranks a 503 (spec.md §4.4)
		{401, 404, true}, // 401 -> 3999, 404 -> 4040
	}
	for _, c := range cases {
		if got := rankResponse(c.a) < rankResponse(c.b); got != c.want {
			t.Errorf("rankResponse(%d) < rankResponse(%d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSelectBestDowngrades503(t *testing.T) {
	res := sip.NewResponse(503, "Service Unavailable")
	best := selectBest([]*sip.Response{res})
	if best.StatusCode != 500 {
		t.Fatalf("expected downgraded 500, got %d", best.StatusCode)
	}
}

func TestSelectBestPrefersChallengeOverGenericFailure(t *testing.T) {
	challenge := sip.NewResponse(401, "Unauthorized")
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="a"`))
	notFound := sip.NewResponse(404, "Not Found")

	best := selectBest([]*sip.Response{notFound, challenge})
	if best.StatusCode != 401 {
		t.Fatalf("expected 401 to win over 404, got %d", best.StatusCode)
	}
	if len(best.GetHeaders("WWW-Authenticate")) != 1 {
		t.Fatalf("expected merged challenge header to survive, got %d", len(best.GetHeaders("WWW-Authenticate")))
	}
}

func TestSelectBestMergesChallengesAcrossBranches(t *testing.T) {
	a := sip.NewResponse(401, "Unauthorized")
	a.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="a"`))
	b := sip.NewResponse(407, "Proxy Authentication Required")
	b.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="b"`))

	best := selectBest([]*sip.Response{a, b})
	if len(best.GetHeaders("WWW-Authenticate"))+len(best.GetHeaders("Proxy-Authenticate")) != 2 {
		t.Fatalf("expected both challenges merged into winner")
	}
}

func TestSelectBestNilForNoResponses(t *testing.T) {
	if got := selectBest(nil); got != nil {
		t.Fatalf("expected nil for empty response set, got %v", got)
	}
	if got := selectBest([]*sip.Response{nil, nil}); got != nil {
		t.Fatalf("expected nil when every response is absent, got %v", got)
	}
}

// TestForkControllerParallelAnswerCancelsSiblings drives a two-branch
// parallel group where one branch answers 200 first; the other must be
// CANCELed and the winner reported as Answered (spec.md §4.4 "2xx").
func TestForkControllerParallelAnswerCancelsSiblings(t *testing.T) {
	transport := &fakeTransport{}
	router := NewRouter(RouterConfig{AppID: "testapp"})
	fc := NewForkController(transport, nil, router, Options{}, nil)

	req := baseInvite(t, "sip:bob@example.com")
	targets := UriSet{{mustURI(t, "sip:bob@a.example.com"), mustURI(t, "sip:bob@b.example.com")}}

	out := make(chan uacEvent, 8)
	outcome := fc.Start(context.Background(), targets, req, out)
	if outcome.Failed != nil || outcome.Answered != nil {
		t.Fatalf("unexpected immediate outcome from Start: %+v", outcome)
	}
	if len(transport.txs) != 2 {
		t.Fatalf("expected 2 branches launched, got %d", len(transport.txs))
	}

	// The losing branch needs at least one provisional response before a
	// CANCEL can legally be sent to it (RFC 3261 9.1).
	transport.txs[1].respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
	fc.HandleEvent(context.Background(), <-out, out)

	winnerRes := sip.NewResponseFromRequest(req, 200, "OK", nil)
	transport.txs[0].respond(winnerRes)
	ev := <-out

	result := fc.HandleEvent(context.Background(), ev, out)
	if result.Answered == nil {
		t.Fatalf("expected branch 0 to be latched as the answer, got %+v", result)
	}
	if len(transport.sent) < 3 {
		t.Fatalf("expected a CANCEL sent to the losing branch, only %d requests sent", len(transport.sent))
	}
	lastSent := transport.sent[len(transport.sent)-1]
	if lastSent.Method != sip.CANCEL {
		t.Fatalf("expected the final outbound request to be a CANCEL, got %s", lastSent.Method)
	}
}

// TestForkControllerSerialGroupFailsThenAdvances exercises spec.md §4.4's
// serial-fallthrough: a group that fails without an answer causes launchNext
// to advance to the next group.
func TestForkControllerSerialGroupFailsThenAdvances(t *testing.T) {
	transport := &fakeTransport{}
	router := NewRouter(RouterConfig{AppID: "testapp"})
	fc := NewForkController(transport, nil, router, Options{}, nil)

	req := baseInvite(t, "sip:bob@example.com")
	targets := UriSet{
		{mustURI(t, "sip:bob@a.example.com")},
		{mustURI(t, "sip:bob@b.example.com")},
	}

	out := make(chan uacEvent, 8)
	fc.Start(context.Background(), targets, req, out)
	if len(transport.txs) != 1 {
		t.Fatalf("expected only the first serial group launched, got %d branches", len(transport.txs))
	}

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	transport.txs[0].respond(busy)
	ev := <-out
	result := fc.HandleEvent(context.Background(), ev, out)
	if !result.GroupExhausted {
		t.Fatalf("expected first group to report exhausted, got %+v", result)
	}

	advance := fc.Advance(context.Background(), out)
	if advance.Failed != nil {
		t.Fatalf("expected second group to launch rather than fail immediately: %+v", advance)
	}
	if len(transport.txs) != 2 {
		t.Fatalf("expected second serial group launched, got %d total branches", len(transport.txs))
	}
}

// TestForkControllerAllGroupsFailSelectsBest confirms that once every serial
// group is exhausted without an answer, Advance reports the best-ranked
// failure collected across all of them.
func TestForkControllerAllGroupsFailSelectsBest(t *testing.T) {
	transport := &fakeTransport{}
	router := NewRouter(RouterConfig{AppID: "testapp"})
	fc := NewForkController(transport, nil, router, Options{}, nil)

	req := baseInvite(t, "sip:bob@example.com")
	targets := UriSet{{mustURI(t, "sip:bob@a.example.com")}}

	out := make(chan uacEvent, 8)
	fc.Start(context.Background(), targets, req, out)

	notFound := sip.NewResponseFromRequest(req, 404, "Not Found", nil)
	transport.txs[0].respond(notFound)
	ev := <-out
	result := fc.HandleEvent(context.Background(), ev, out)
	if !result.GroupExhausted {
		t.Fatalf("expected group exhausted, got %+v", result)
	}

	final := fc.Advance(context.Background(), out)
	if final.Failed == nil || final.Failed.StatusCode != 404 {
		t.Fatalf("expected final failed response to be the 404, got %+v", final.Failed)
	}
}

func TestForkControllerCancelAllSendsCancelForInvite(t *testing.T) {
	transport := &fakeTransport{}
	router := NewRouter(RouterConfig{AppID: "testapp"})
	fc := NewForkController(transport, nil, router, Options{}, nil)

	req := baseInvite(t, "sip:bob@example.com")
	targets := UriSet{{mustURI(t, "sip:bob@a.example.com")}}
	out := make(chan uacEvent, 8)
	fc.Start(context.Background(), targets, req, out)

	// RFC 3261 9.1: CANCEL only goes out once a provisional has arrived.
	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	transport.txs[0].respond(ringing)
	ev := <-out
	fc.HandleEvent(context.Background(), ev, out)

	fc.CancelAll(context.Background())
	if fc.State() != ForkCancelling {
		t.Fatalf("expected state cancelling, got %s", fc.State())
	}

	found := false
	for _, r := range transport.sent {
		if r.Method == sip.CANCEL {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a CANCEL to be sent after CancelAll")
	}
}
