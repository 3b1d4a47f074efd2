package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// EngineMetrics is the narrow slice of metrics.Collector the Engine needs,
// kept as a seam in this package so core never imports the metrics package
// (it only reports through this interface; cmd/forkcored wires the real
// collector in).
type EngineMetrics interface {
	ForkOutcome(outcome string)
	TimerFired(kind string)
	AuthRetried()
	LoopDetected()
	TooManyHops()
}

type noopMetrics struct{}

func (noopMetrics) ForkOutcome(string) {}
func (noopMetrics) TimerFired(string)  {}
func (noopMetrics) AuthRetried()       {}
func (noopMetrics) LoopDetected()      {}
func (noopMetrics) TooManyHops()       {}

// SessionTimerAdmission is the external timer-module seam spec.md §4.2
// step 3 names but marks delegated: an embedder that runs RFC 4028 session
// timers can veto, rewrite, or immediately answer a request before this
// engine preprocesses it. The default admission (see NewEngine) always
// continues.
type SessionTimerAdmission interface {
	Admit(req *sip.Request) SessionTimerDecision
}

// SessionTimerDecision is what a SessionTimerAdmission collaborator
// returns for one request.
type SessionTimerDecision struct {
	Continue bool
	Rewrite  *sip.Request
	Reply    *sip.Response
}

type alwaysContinue struct{}

func (alwaysContinue) Admit(*sip.Request) SessionTimerDecision {
	return SessionTimerDecision{Continue: true}
}

// FlowResolver decodes a flow token parsed off a Route header back into a
// live connection handle (RFC 5626 §5.2). A nil handle with a nil error
// means the token parsed but no connection is currently bound to it
// (flow_failed); a non-nil error means the token itself was malformed
// (forbidden). An Engine with no FlowResolver configured skips flow
// pinning entirely rather than rejecting such requests, since outbound
// connection-keepalive is explicitly out of this core's scope.
type FlowResolver interface {
	Resolve(token string) (*FlowHandle, error)
}

// RouteOutcome reports what the Engine's Route did with a request, mostly
// useful for tests and logging — the actual response has already been
// handed to uas by the time Route returns.
type RouteOutcome int

const (
	RouteReplied RouteOutcome = iota
	RouteStateless
	RouteForked
)

// Engine is the Proxy Router's orchestrating entry point (spec.md §4.2):
// the single function an upper layer (URI resolution / dialplan — out of
// this package's scope) calls once it has resolved a UriSet for an
// inbound request. It performs admission control and the RFC 3261
// 16.3/16.4/16.6 request-validation and route-header bookkeeping every
// forwarded request needs, then dispatches to either the stateless fast
// path (spec.md §4.8) or a new Call/Fork Controller pair (spec.md §4.4).
// Grounded on flowpbx-flowpbx/internal/sip/server.go's Server, which
// plays the same "one entry point per inbound method, shared
// collaborators" role but with PBX-specific dispatch in place of a
// UriSet/Options-driven one.
type Engine struct {
	router    *Router
	path      PathConfig
	transport UACTransport
	auth      Auth
	dialog    DialogLayer
	reply     *ReplyAdapter
	timers    SessionTimerAdmission
	flows     FlowResolver
	metrics   EngineMetrics
	log       *slog.Logger

	mu       sync.Mutex
	calls    map[string]*Call
	nextCall int
}

// EngineConfig bundles Engine's collaborators. Nil Timers, Metrics, Log,
// Dialog and Reply fall back to harmless defaults; a nil Auth disables
// auth retries and a nil Flows skips flow pinning. Router and Transport
// have no default and must be set.
type EngineConfig struct {
	Router    *Router
	Path      PathConfig
	Transport UACTransport
	Auth      Auth
	Dialog    DialogLayer
	Reply     ReplySynthesizer
	Timers    SessionTimerAdmission
	Flows     FlowResolver
	Metrics   EngineMetrics
	Log       *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Timers == nil {
		cfg.Timers = alwaysContinue{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Dialog == nil {
		cfg.Dialog = NoopDialogLayer{}
	}
	return &Engine{
		router:    cfg.Router,
		path:      cfg.Path,
		transport: cfg.Transport,
		auth:      cfg.Auth,
		dialog:    cfg.Dialog,
		reply:     NewReplyAdapter(cfg.Reply),
		timers:    cfg.Timers,
		flows:     cfg.Flows,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		calls:     make(map[string]*Call),
	}
}

// Route implements spec.md §4.2's route(uas_trans, uriset, options)
// algorithm. ctx bounds the lifetime of any Call this dispatches to; it
// returns once the request has either been replied to directly, relayed
// statelessly, or handed off to a Call actor running on its own
// goroutine (Route itself does not block on the Call's completion).
func (e *Engine) Route(ctx context.Context, req *sip.Request, uas UASBridge, targets UriSet, opts Options) RouteOutcome {
	// Per-source admission limiting ahead of any other processing.
	if !e.router.Admit(req.Source()) {
		e.reject(req, uas, ServiceUnavailable())
		return RouteReplied
	}

	if targets.IsEmpty() {
		e.reject(req, uas, TemporarilyUnavailable())
		return RouteReplied
	}

	// Step 2: hop check.
	if mf, ok := maxForwards(req); ok && mf == 0 {
		if req.Method == sip.OPTIONS {
			e.respond(req, uas, e.capabilitiesResponse(req))
		} else {
			e.metrics.TooManyHops()
			e.reject(req, uas, TooManyHops())
		}
		return RouteReplied
	}

	// Step 3: session-timer admission (delegated collaborator).
	decision := e.timers.Admit(req)
	if decision.Reply != nil {
		e.respond(req, uas, decision.Reply)
		return RouteReplied
	}
	if !decision.Continue {
		e.reject(req, uas, ServiceUnavailable())
		return RouteReplied
	}
	if decision.Rewrite != nil {
		req = decision.Rewrite
	}

	// Loop detection, independent of hop count (RFC 3261 16.6 item 7).
	if via := req.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok && e.router.isOwnBranch(branch) {
			e.metrics.LoopDetected()
			e.reject(req, uas, LoopDetected())
			return RouteReplied
		}
	}

	// Step 4: preprocess.
	e.preprocess(req, opts)

	// Steps 5/6: ACK has no response of its own to wait for.
	if req.Method == sip.ACK {
		if opts.Stateless {
			e.relayStatelessOnce(ctx, req, targets)
			return RouteStateless
		}
		e.startCall(ctx, req, uas, targets, opts)
		return RouteForked
	}

	// Step 7: Proxy-Require, skipped for ACK above.
	if pr := req.GetHeader("Proxy-Require"); pr != nil {
		if bad := e.router.unsupportedTokens(pr.Value()); len(bad) > 0 {
			e.reject(req, uas, BadExtension(bad))
			return RouteReplied
		}
	}

	// Step 8: Path / outbound handling.
	if rerr := e.applyPathHandling(req, &opts); rerr != nil {
		e.reject(req, uas, rerr)
		return RouteReplied
	}

	// Step 9: strip leading Route entries naming this proxy.
	for e.router.TopRouteIsSelf(req) {
		StripTopRoute(req)
	}

	// Step 10: dispatch.
	if opts.Stateless {
		e.relayStatelessOnce(ctx, req, targets)
		return RouteStateless
	}
	e.startCall(ctx, req, uas, targets, opts)
	return RouteForked
}

// preprocess implements spec.md §4.2 step 4: decrement forwards, clear
// existing routes/headers if asked, append caller headers, prepend
// caller routes.
func (e *Engine) preprocess(req *sip.Request, opts Options) {
	mf := e.router.DecrementMaxForwards(req)
	req.RemoveHeader("Max-Forwards")
	mfHeader := sip.MaxForwardsHeader(mf)
	req.AppendHeader(&mfHeader)

	if opts.RemoveRoutes {
		req.RemoveHeader("Route")
	}
	if opts.RemoveHeaders {
		for _, h := range opts.Headers {
			req.RemoveHeader(h.Name())
		}
	}
	for _, h := range opts.Headers {
		req.AppendHeader(h)
	}
	if len(opts.RouteURIs) > 0 {
		ApplyRouteSet(req, opts.RouteURIs)
	}
}

// applyPathHandling implements spec.md §4.3: REGISTER's make_path
// requirement, and the flow-token decode for other methods' top Route.
func (e *Engine) applyPathHandling(req *sip.Request, opts *Options) *ReplyError {
	if req.Method == sip.REGISTER && opts.MakePath {
		if req.GetHeader("Path") == nil {
			return ExtensionRequired("path")
		}
		return nil
	}

	route, ok := topRoute(req)
	if !ok || !strings.EqualFold(route.Address.Host, e.path.RecordRouteURI.Host) {
		return nil
	}
	token, ok := FlowTokenFromURI(route.Address)
	if !ok {
		// No flow parameter on our own Route: nothing to pin, proceed.
		return nil
	}

	if e.flows != nil {
		handle, err := e.flows.Resolve(token)
		if err != nil {
			return Forbidden()
		}
		if handle == nil {
			return FlowFailed()
		}
		opts.Flow = handle
	}

	isDialogMethod := req.Method == sip.INVITE || req.Method == sip.BYE || req.Method == sip.SUBSCRIBE || req.Method == sip.NOTIFY || req.Method == sip.REFER
	if isDialogMethod && route.Address.UriParams != nil {
		if _, hasOb := route.Address.UriParams.Get("ob"); hasOb {
			if to := req.To(); to != nil {
				if _, hasTag := to.Params.Get("tag"); !hasTag {
					opts.RecordRoute = true
				}
			}
		}
	}
	return nil
}

// capabilitiesResponse builds the 200 "Max Forwards" OPTIONS reply
// spec.md §4.2 step 2 requires instead of 483 when this proxy itself is
// the one whose capabilities are being probed.
func (e *Engine) capabilitiesResponse(req *sip.Request) *sip.Response {
	res := e.reply.Synth.Synthesize(req, 200, "Max Forwards")
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	return res
}

// relayStatelessOnce sends req to the first URI of the first group once,
// with no transaction tracking — spec.md §4.2 step 5's ACK fast path and
// step 10's stateless dispatch for any other method when Options.Stateless
// is set.
func (e *Engine) relayStatelessOnce(ctx context.Context, req *sip.Request, targets UriSet) {
	target, ok := firstTarget(targets)
	if !ok {
		return
	}
	out := req.Clone()
	out.Recipient = *target.Clone()
	out.RemoveHeader("Via")
	if err := e.transport.WriteRequest(out); err != nil {
		e.log.Error("stateless relay failed", "error", err)
	}
}

func firstTarget(targets UriSet) (sip.Uri, bool) {
	for _, group := range targets {
		if len(group) > 0 {
			return group[0], true
		}
	}
	return sip.Uri{}, false
}

// startCall builds a Call for req and runs it on its own goroutine,
// tracked in e.calls until it finishes so CallStatsProvider can report it.
func (e *Engine) startCall(ctx context.Context, req *sip.Request, uas UASBridge, targets UriSet, opts Options) {
	id := e.newCallID(req)
	call := NewCall(id, req, uas, e.dialog, e.router, e.transport, e.auth, opts, targets, e.metrics, e.log)

	e.mu.Lock()
	e.calls[id] = call
	e.mu.Unlock()

	go func() {
		call.Run(ctx)
		e.mu.Lock()
		delete(e.calls, id)
		e.mu.Unlock()
	}()
}

// Cancel looks up the Call handling callID and asks it to abort every
// in-flight branch, implementing the inbound CANCEL side of spec.md §6's
// uac_cancel/fork_cancel events: an upstream CANCEL names the original
// request by its Call-ID (RFC 3261 9.2), and the Call itself owns turning
// that into a ForkController.CancelAll on its single-owner goroutine.
// Reports false if no Call is currently running for that id (already
// finished, or it never existed).
func (e *Engine) Cancel(callID string) bool {
	e.mu.Lock()
	call, ok := e.calls[callID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	call.RequestCancel()
	return true
}

func (e *Engine) newCallID(req *sip.Request) string {
	e.mu.Lock()
	e.nextCall++
	n := e.nextCall
	e.mu.Unlock()
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return fmt.Sprintf("call-%d", n)
}

func (e *Engine) reject(req *sip.Request, uas UASBridge, rerr *ReplyError) {
	e.respond(req, uas, e.reply.FromError(req, rerr))
}

func (e *Engine) respond(req *sip.Request, uas UASBridge, res *sip.Response) {
	if err := uas.Respond(res); err != nil {
		e.log.Error("failed to send response", "method", req.Method, "error", err)
	}
}

// ActiveCallCount implements metrics.CallStatsProvider.
func (e *Engine) ActiveCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// ActiveForkBranchCount implements metrics.CallStatsProvider.
func (e *Engine) ActiveForkBranchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, c := range e.calls {
		total += len(c.fork.current.uacs)
	}
	return total
}

// NoopDialogLayer is the default DialogLayer for embedders that have no
// dialog-state collaborator of their own (spec.md marks this layer fully
// out of scope).
type NoopDialogLayer struct{}

func (NoopDialogLayer) RequestSent(*sip.Request)                      {}
func (NoopDialogLayer) ResponseReceived(*sip.Request, *sip.Response)  {}
func (NoopDialogLayer) Acked(*sip.Request, *sip.Request)              {}
