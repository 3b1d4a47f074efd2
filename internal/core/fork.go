package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ForkGroup is one stage of the serial fork sequence: every UAC within a
// group is sent in parallel, and the group only advances to the next
// stage once every branch in it has reached a final state without
// anyone answering (spec.md §2, §4.4 generalizes forker.go's single
// ring-all group into the full serial-of-parallel-groups shape a UriSet
// describes).
type ForkGroup struct {
	uacs []*UAC
}

// ForkState is the Fork Controller's state machine (spec.md §4.4).
type ForkState int

const (
	ForkIdle ForkState = iota
	ForkRunning
	ForkCancelling
	ForkCompleted
)

func (s ForkState) String() string {
	switch s {
	case ForkRunning:
		return "running"
	case ForkCancelling:
		return "cancelling"
	case ForkCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// bestResponseRank orders non-2xx final responses by forwarding
// preference when more than one branch fails, per RFC 3261 16.7 item 6:
// 6xx is never beaten by anything else, and among the rest a handful of
// codes carrying actionable information (authentication challenges,
// unsupported extensions, Request-URI problems) outrank a generic
// failure at the same class. Codes not named here rank by raw status
// value, lowest first. Matches spec.md §4.4's rank table: 401/407 at
// 3999, 415/420/484 at 4000, 503 (downgraded to 500) at 5000, and every
// other non-6xx code at 10x itself.
var bestResponseRank = map[int]int{
	401: 3999, 407: 3999,
	415: 4000, 420: 4000, 484: 4000,
	503: 5000,
}

func rankResponse(code int) int {
	if code >= 600 {
		return code
	}
	if r, ok := bestResponseRank[code]; ok {
		return r
	}
	return 10 * code
}

// selectBest picks the single response that should be relayed upstream
// when a group finishes with no answer, implementing the best-response
// selection spec.md §4.4 requires. Ties are broken by arrival order
// (sort.SliceStable). When the winner is an authentication challenge,
// every WWW-Authenticate/Proxy-Authenticate header across the whole
// response set is merged into it (spec.md §4.4, scenario 3).
func selectBest(responses []*sip.Response) *sip.Response {
	live := make([]*sip.Response, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil
	}

	sorted := make([]*sip.Response, len(live))
	copy(sorted, live)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rankResponse(sorted[i].StatusCode) < rankResponse(sorted[j].StatusCode)
	})

	winner := sorted[0]
	switch winner.StatusCode {
	case 503:
		winner = downgrade503(winner)
	case 401, 407:
		winner = mergeChallenges(winner, live)
	}
	return winner
}

// downgrade503 rewrites a 503 winner to 500 before forwarding, per
// spec.md §4.4's rank table note ("503 (rewritten to 500 before
// forwarding)") and scenario 4: a downstream's unavailability is not the
// caller's concern once this proxy chose to forward something.
func downgrade503(res *sip.Response) *sip.Response {
	out := res.Clone()
	out.StatusCode = 500
	out.Reason = "Internal Server Error"
	return out
}

// mergeChallenges aggregates every WWW-Authenticate/Proxy-Authenticate
// header from every 401/407 response in the set into the winning
// challenge, per spec.md §4.4 scenario 3: a caller retrying against a
// forking proxy needs every branch's challenge in one response.
func mergeChallenges(winner *sip.Response, all []*sip.Response) *sip.Response {
	out := winner.Clone()
	out.RemoveHeader("WWW-Authenticate")
	out.RemoveHeader("Proxy-Authenticate")

	for _, r := range all {
		if r.StatusCode != 401 && r.StatusCode != 407 {
			continue
		}
		for _, h := range r.GetHeaders("WWW-Authenticate") {
			out.AppendHeader(sip.NewHeader("WWW-Authenticate", h.Value()))
		}
		for _, h := range r.GetHeaders("Proxy-Authenticate") {
			out.AppendHeader(sip.NewHeader("Proxy-Authenticate", h.Value()))
		}
	}
	return out
}

// ForkController drives one UriSet through to completion: launching each
// parallel group, relaying 180/183 provisional responses, applying
// auth retries and redirect-following mid-flight, cancelling losers once
// a branch answers, and falling through to the next serial group only if
// the whole current group ends without an answer. Grounded on
// flowpbx-flowpbx/internal/sip/forker.go's Fork and cancel.go's
// Call-ID-keyed bookkeeping, generalized from a single ring-all group to
// the full serial/parallel structure a UriSet describes and from "first
// 200 wins" to ranked best-response selection on failure.
//
// The controller owns its remaining serial groups (`pending`) as a plain
// queue rather than re-reading the original UriSet by index, so a 3xx
// redirect (spec.md §4.4) can push a new group onto the front of that
// queue exactly like nksip's fork state does, instead of requiring the
// Call actor to thread a growing UriSet back in on every Advance call.
type ForkController struct {
	transport UACTransport
	auth      Auth
	router    *Router
	opts      Options
	metrics   EngineMetrics
	timers    *TimerService

	state           ForkState
	template        *sip.Request
	pending         [][]sip.Uri
	current         ForkGroup
	nextUACID       int
	relayedCode     int
	collectedFailed []*sip.Response
	winner          *UAC
	winnerResponse  *sip.Response
	outcomeReported bool
}

func NewForkController(transport UACTransport, auth Auth, router *Router, opts Options, metrics EngineMetrics) *ForkController {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ForkController{
		transport: transport,
		auth:      auth,
		router:    router,
		opts:      opts,
		metrics:   metrics,
		state:     ForkIdle,
	}
}

// SetTimers wires the timer service Timer C and the RFC 3261
// 17.1.1.2/17.1.2.2 linger timers run against. Left nil (the zero value),
// those timers are simply never scheduled — used by tests that drive the
// fork logic directly without a Call's full timer lifecycle.
func (f *ForkController) SetTimers(timers *TimerService) {
	f.timers = timers
}

// reportOutcome tells the metrics collaborator how this fork concluded,
// exactly once, the first time it reaches a terminal disposition.
func (f *ForkController) reportOutcome(outcome string) {
	if f.outcomeReported {
		return
	}
	f.outcomeReported = true
	f.metrics.ForkOutcome(outcome)
}

// Start launches the first group of targets built from the given UriSet
// against a template request. Subsequent groups are launched
// automatically by Advance as earlier groups exhaust without an answer,
// or are pushed in by HandleEvent following a 3xx redirect.
func (f *ForkController) Start(ctx context.Context, targets UriSet, template *sip.Request, out chan<- uacEvent) forkOutcome {
	f.template = template
	f.pending = append([][]sip.Uri(nil), targets...)
	return f.launchNext(ctx, out)
}

// launchNext pops serial groups off pending until one produces at least
// one live branch, or the queue is exhausted. A per-URI transaction
// start failure is recorded as a synthetic absent response and the loop
// continues with the rest of the group (spec.md §4.4 launch).
func (f *ForkController) launchNext(ctx context.Context, out chan<- uacEvent) forkOutcome {
	for len(f.pending) > 0 {
		group := f.pending[0]
		f.pending = f.pending[1:]

		fg := ForkGroup{}
		for _, target := range group {
			req := buildLegRequest(f.template, target)
			id := f.nextUACID
			f.nextUACID++
			uac, err := NewUAC(ctx, id, f.transport, target, req, f.opts, f.appID())
			if err != nil {
				f.collectedFailed = append(f.collectedFailed, nil)
				continue
			}
			fg.uacs = append(fg.uacs, uac)
			f.startTimerC(uac)
			go uac.pumpResponses(ctx, out)
		}

		if len(fg.uacs) == 0 {
			continue
		}
		f.current = fg
		f.state = ForkRunning
		return forkOutcome{}
	}

	f.state = ForkCompleted
	best := selectBest(f.collectedFailed)
	f.reportOutcome("failed")
	return forkOutcome{Failed: best}
}

// buildLegRequest clones the template request for a single destination,
// substituting its Recipient and minting a fresh top Via branch so each
// parallel branch is independently addressable on the wire. Grounded on
// forker.go's createLeg, generalized away from the registration-specific
// NAT-rewrite/X-Caller-* fields that belong to the upper layer, not this
// core.
func buildLegRequest(template *sip.Request, target sip.Uri) *sip.Request {
	req := template.Clone()
	req.Recipient = *target.Clone()
	req.RemoveHeader("Via")
	return req
}

// appID returns the AppID to tag newly minted branches with, or "" if
// this controller has no Router configured (a bare/test construction).
func (f *ForkController) appID() string {
	if f.router == nil {
		return ""
	}
	return f.router.cfg.AppID
}

// startTimerC (re)arms Timer C for uac, refreshing any previous instance
// per spec.md §4.5's invite_calling/invite_proceeding dispatch ("refresh
// timer_C" on every provisional, starting with the branch's launch).
func (f *ForkController) startTimerC(uac *UAC) {
	if f.timers == nil {
		return
	}
	f.timers.Start(uac.ID, TimerC, timerCDuration)
}

// stopTimerC clears Timer C once a branch reaches a final response —
// there is nothing left for Timer C to bound once the branch has
// answered, so leaving it armed would only waste a goroutine until it
// fires on a transaction nobody is waiting on any more.
func (f *ForkController) stopTimerC(uac *UAC) {
	if f.timers == nil {
		return
	}
	f.timers.Cancel(uac.ID, TimerC)
}

// scheduleLinger arms the RFC 3261 17.1.1.2/17.1.2.2 wait timer (D for
// INVITE, K for non-INVITE) that gives a branch's final non-2xx response
// time to be retransmitted before this proxy forgets it, completing the
// branch's proxy-layer FSM (uac.markTerminated) once it fires. Never
// armed for the branch that won the fork — that branch is now a live
// dialog, out of the linger timers' scope.
func (f *ForkController) scheduleLinger(uac *UAC) {
	if f.timers == nil {
		return
	}
	kind, d := TimerD, sip.Timer_D
	if f.template != nil && f.template.Method != sip.INVITE {
		kind, d = TimerK, sip.Timer_K
	}
	f.timers.Start(uac.ID, kind, d)
}

// TimerCFired synthesizes the 408 "Timer C Timeout" final response RFC
// 3261 16.6 item 11 calls for once a branch's provisional-refreshed
// Timer C elapses without a final response, and routes it through the
// same final-response handling every other branch failure uses.
func (f *ForkController) TimerCFired(ctx context.Context, uacID int, out chan<- uacEvent) forkOutcome {
	uac := f.uacByID(uacID)
	if uac == nil {
		return forkOutcome{}
	}
	res := sip.NewResponseFromRequest(uac.Request, 408, "Timer C Timeout", nil)
	uac.Terminate()
	return f.HandleEvent(ctx, uacEvent{uacID: uacID, res: res}, out)
}

// LingerExpired completes a branch's proxy-layer FSM once its linger
// timer (D or K) fires, called from the Call actor's timer dispatch.
func (f *ForkController) LingerExpired(uacID int) {
	if uac := f.uacByID(uacID); uac != nil {
		uac.markTerminated()
	}
}

func (f *ForkController) uacByID(id int) *UAC {
	for _, u := range f.current.uacs {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// forkOutcome is what HandleEvent reports back to the Call actor after
// applying one uacEvent.
type forkOutcome struct {
	// Provisional is set when this fork relays a 180 or 183 upstream; a
	// provisional repeating the last relayed code is not relayed again.
	Provisional *sip.Response
	// Answered is set once a branch reaches a final response that is
	// latched as this fork's single upstream answer — either a 2xx, or a
	// 6xx that arrived before any other final latch (spec.md §4.4).
	Answered *UAC
	// GroupExhausted is set when the current group ends with no answer
	// and the Fork Controller needs the Call to launch the next group
	// (via Advance) or, if there is none, finish with Failed.
	GroupExhausted bool
	// Failed is set once every group has been tried and none answered;
	// carries the single best response to relay upstream.
	Failed *sip.Response
	// Retry is set when a branch's challenge produced a resend; the Call
	// must add it to the current group and keep pumping its responses.
	Retry *UAC
}

// HandleEvent applies one response/error observed for a branch in the
// currently active group. ctx is used only if a CANCEL, a deferred
// CANCEL, or an auth retry must be sent as a side effect.
func (f *ForkController) HandleEvent(ctx context.Context, ev uacEvent, out chan<- uacEvent) forkOutcome {
	uac := f.uacByID(ev.uacID)
	if uac == nil {
		// Unknown UAC: log and ignore (spec.md §4.4).
		return forkOutcome{}
	}

	if ev.err != nil {
		f.stopTimerC(uac)
		uac.markTerminated()
		f.collectedFailed = append(f.collectedFailed, nil)
		return f.checkGroupDone()
	}

	res := ev.res
	isFinal, isLate := uac.recordResponse(res)

	if isFinal {
		f.stopTimerC(uac)
	}

	if !isFinal {
		f.startTimerC(uac)
		if uac.takeDeferredCancel() {
			_ = uac.fireDeferredCancel(ctx, f.transport)
		}
		if (res.StatusCode == 180 || res.StatusCode == 183) && f.winnerResponse == nil && res.StatusCode != f.relayedCode {
			f.relayedCode = res.StatusCode
			return forkOutcome{Provisional: res}
		}
		return forkOutcome{}
	}

	if isLate {
		// A final response arriving for a branch that already completed
		// is a secondary/late response (spec.md §4.6): a genuine dialog
		// was never formed for it, so the engine best-effort tears it
		// down (ACK then BYE) instead of forwarding it — forwarding
		// would violate the "exactly one response forwarded per fork"
		// invariant (spec.md §3, §8 invariant 2).
		f.handleLateResponse(ctx, uac, res)
		return forkOutcome{}
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return f.latchFinal(ctx, uac, res)

	case res.StatusCode >= 300 && res.StatusCode < 400:
		if f.opts.FollowRedirects && f.winnerResponse == nil {
			if contacts := redirectTargets(res, f.template); len(contacts) > 0 {
				f.pending = append([][]sip.Uri{contacts}, f.pending...)
				return f.checkGroupDone()
			}
		}
		f.scheduleLinger(uac)
		f.collectedFailed = append(f.collectedFailed, res)
		return f.checkGroupDone()

	case res.StatusCode >= 600:
		return f.latch6xx(ctx, uac, res)

	default: // 4xx/5xx
		if res.StatusCode == 401 || res.StatusCode == 407 {
			retryUAC, ok, err := uac.retryWithAuth(ctx, f.transport, f.auth, res, f.appID())
			if err == nil && ok {
				f.metrics.AuthRetried()
				f.replaceInGroup(uac, retryUAC)
				f.startTimerC(retryUAC)
				go retryUAC.pumpResponses(ctx, out)
				return forkOutcome{Retry: retryUAC}
			}
		}
		f.scheduleLinger(uac)
		f.collectedFailed = append(f.collectedFailed, res)
		return f.checkGroupDone()
	}
}

// latchFinal commits a 2xx as this fork's single upstream answer: clears
// every remaining serial group, cancels every sibling branch in the
// current group with "Call completed elsewhere", and — unless another
// final was already latched first — forwards it (spec.md §4.4 "2xx").
func (f *ForkController) latchFinal(ctx context.Context, uac *UAC, res *sip.Response) forkOutcome {
	f.pending = nil
	f.state = ForkCancelling
	f.cancelGroupExcept(ctx, uac, 200, "Call completed elsewhere")
	f.state = ForkCompleted
	f.reportOutcome("answered")

	if f.winnerResponse != nil {
		return forkOutcome{}
	}
	f.winner = uac
	f.winnerResponse = res
	return forkOutcome{Answered: uac}
}

// latch6xx implements spec.md §4.4's 6xx branch: a global decline always
// clears the remaining uriset and cancels every sibling, and becomes the
// upstream answer if nothing has been forwarded yet — but unlike a 2xx,
// a 6xx arriving after a final has already been sent is silently dropped
// rather than queued for relay.
func (f *ForkController) latch6xx(ctx context.Context, uac *UAC, res *sip.Response) forkOutcome {
	f.pending = nil
	f.state = ForkCancelling
	f.cancelGroupExcept(ctx, uac, res.StatusCode, res.Reason)
	f.state = ForkCompleted
	f.reportOutcome("declined")

	if f.winnerResponse != nil {
		return forkOutcome{}
	}
	f.winner = uac
	f.winnerResponse = res
	return forkOutcome{Answered: uac}
}

// handleLateResponse best-effort tears down a secondary 2xx's dialog leg
// (ACK then BYE) off the Call actor's own goroutine, per spec.md §4.6.
// Failures are logged, never retried — this is a cleanup courtesy, not a
// guaranteed operation.
func (f *ForkController) handleLateResponse(ctx context.Context, uac *UAC, res *sip.Response) {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return
	}
	go func() {
		if err := ackThenBye(ctx, f.transport, uac.Request, res); err != nil {
			slog.Default().Warn("secondary response teardown failed", "uac", uac.ID, "error", err)
		}
	}()
}

// redirectTargets extracts the Contact URIs a 3xx carries to follow as
// the fork's next serial group (spec.md §4.4 "3xx"), filtered to sips:
// URIs only when the original request-URI was itself sips (RFC 3261
// 16.7's secure-transport non-downgrade rule, exercised by scenario 5).
func redirectTargets(res *sip.Response, template *sip.Request) []sip.Uri {
	requireSips := template != nil && strings.EqualFold(template.Recipient.Scheme, "sips")

	var out []sip.Uri
	for _, h := range res.GetHeaders("Contact") {
		contact, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		u := contact.Address
		if requireSips && !strings.EqualFold(u.Scheme, "sips") {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (f *ForkController) replaceInGroup(old, replacement *UAC) {
	for i, u := range f.current.uacs {
		if u.ID == old.ID {
			f.current.uacs[i] = replacement
			return
		}
	}
}

func (f *ForkController) checkGroupDone() forkOutcome {
	doneCount := 0
	for _, u := range f.current.uacs {
		if u.State() == UACCompleted || u.State() == UACTerminated {
			doneCount++
		}
	}
	if doneCount < len(f.current.uacs) {
		return forkOutcome{}
	}
	return forkOutcome{GroupExhausted: true}
}

// Advance launches the next serial group (including one just pushed by a
// followed redirect), or reports Failed with the best response collected
// across every group if none remain. Grounded on the generalization from
// forker.go's single-group ring-all into spec.md's serial groups.
func (f *ForkController) Advance(ctx context.Context, out chan<- uacEvent) forkOutcome {
	return f.launchNext(ctx, out)
}

// cancelGroupExcept sends CANCEL, carrying a Reason header built from the
// given code/text (RFC 3326), to every branch in the current group other
// than winner, mirroring forker.go's cancelLegs/terminateLegs pair.
func (f *ForkController) cancelGroupExcept(ctx context.Context, winner *UAC, reasonCode int, reasonText string) {
	reason := formatCancelReason(reasonCode, reasonText)
	for _, u := range f.current.uacs {
		if u == winner {
			continue
		}
		f.stopTimerC(u)
		f.scheduleLinger(u)
		_ = u.RequestCancel(ctx, f.transport, reason)
		u.Terminate()
	}
}

// formatCancelReason renders an RFC 3326 Reason header value for a
// CANCEL sent because another branch's final response pre-empted this
// one (spec.md §4.4's "200 Call completed elsewhere" and "6xx uses the
// code itself").
func formatCancelReason(code int, text string) string {
	if text == "" {
		return fmt.Sprintf("SIP;cause=%d", code)
	}
	return fmt.Sprintf("SIP;cause=%d;text=%q", code, text)
}

// CancelAll implements spec.md §4.4's `cancel`: for INVITE it clears
// every remaining serial group and sends CANCEL to each pending branch;
// for any other method it only clears the remaining groups, letting
// already-sent non-INVITE requests run to their own completion (RFC
// 3261 9.1 restricts CANCEL to INVITE and pending non-final requests
// that haven't received a final response, which this engine never
// cancels outright).
func (f *ForkController) CancelAll(ctx context.Context) {
	f.pending = nil
	if f.template == nil || f.template.Method != sip.INVITE {
		return
	}
	f.state = ForkCancelling
	f.reportOutcome("cancelled")
	for _, u := range f.current.uacs {
		f.stopTimerC(u)
		_ = u.RequestCancel(ctx, f.transport, "")
	}
}

// Winner returns the branch that answered, if the controller has
// completed with an answer.
func (f *ForkController) Winner() (*UAC, *sip.Response) {
	return f.winner, f.winnerResponse
}

func (f *ForkController) State() ForkState {
	return f.state
}
