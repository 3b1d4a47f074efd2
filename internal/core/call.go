package core

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
)

// callEventKind tags what woke the Call actor's loop.
type callEventKind int

const (
	callEventBranch callEventKind = iota
	callEventCancel
	callEventTimer
)

type callEvent struct {
	kind   callEventKind
	branch uacEvent
	timer  struct {
		txID int
		kind TimerKind
	}
}

// Call is the Call Container (spec.md §3, §5): one instance per inbound
// request that needs forking, owned by exactly one goroutine so none of
// its fields ever need a lock, the "single-owner single-threaded actor"
// model spec.md §5 requires. Its ForkController and that controller's
// UACs are driven only from within Call.Run; Router and TimerService are
// shared with other goroutines and guard their own state with a mutex.
type Call struct {
	ID      string
	req     *sip.Request
	uas     UASBridge
	dialog  DialogLayer
	router  *Router
	reply   *ReplyAdapter
	timers  *TimerService
	fork    *ForkController
	opts    Options
	targets UriSet
	metrics EngineMetrics
	log     *slog.Logger

	events  chan callEvent
	cancels chan struct{}
	done    chan struct{}
}

// NewCall constructs a Call for one inbound request, ready to be driven
// by Run. The caller is responsible for replying with the transport-level
// 100 Trying, per spec.md's transport/upper-layer boundary (§1.2).
func NewCall(id string, req *sip.Request, uas UASBridge, dialog DialogLayer, router *Router, transport UACTransport, auth Auth, opts Options, targets UriSet, metrics EngineMetrics, log *slog.Logger) *Call {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	c := &Call{
		ID:      id,
		req:     req,
		uas:     uas,
		dialog:  dialog,
		router:  router,
		reply:   NewReplyAdapter(nil),
		fork:    NewForkController(transport, auth, router, opts, metrics),
		opts:    opts,
		targets: targets,
		metrics: metrics,
		log:     log.With("call_id", id),
		events:  make(chan callEvent, 16),
		cancels: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.timers = NewTimerService(func(txID int, kind TimerKind) {
		metrics.TimerFired(string(kind))
		c.postTimer(txID, kind)
	})
	c.fork.SetTimers(c.timers)
	return c
}

// requestExpiresDuration reads req's Expires header (RFC 3261 13.3.1.1,
// an auto-cancel deadline on an outstanding INVITE rather than a
// registration lifetime), grounded on trunk.go's parseExpiresHeader.
// Zero, absent, or malformed means no deadline.
func requestExpiresDuration(req *sip.Request) (time.Duration, bool) {
	h := req.GetHeader("Expires")
	if h == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(h.Value())
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// postTimer is the TimerService's fire callback; it only ever enqueues an
// event, preserving the rule that nothing outside Call.Run touches Call
// state directly (spec.md §5, §9's "no shared mutation outside the
// owning actor").
func (c *Call) postTimer(txID int, kind TimerKind) {
	ev := callEvent{kind: callEventTimer}
	ev.timer.txID = txID
	ev.timer.kind = kind
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// branchEvents is the channel every UAC's pumpResponses goroutine writes
// to; Run forwards each one into the Call's own event channel so a single
// select statement serializes everything the Call reacts to.
func (c *Call) branchEvents() chan<- uacEvent {
	ch := make(chan uacEvent, 16)
	go func() {
		for ev := range ch {
			select {
			case c.events <- callEvent{kind: callEventBranch, branch: ev}:
			case <-c.done:
				return
			}
		}
	}()
	return ch
}

// RequestCancel notifies the Call that an upstream CANCEL arrived for its
// request, asking it to abort every in-flight branch.
func (c *Call) RequestCancel() {
	select {
	case c.cancels <- struct{}{}:
	default:
	}
}

// Run drives the Call to completion: starts the first fork group and
// processes events until an answer is relayed or every group is
// exhausted. It returns once the Call has sent its final response
// upstream, or, without sending one, once ctx is cancelled; either way its
// goroutine and channels are then done.
func (c *Call) Run(ctx context.Context) {
	defer close(c.done)

	out := c.branchEvents()
	defer close(out)

	if c.targets.IsEmpty() {
		c.finish(c.reply.FromError(c.req, TemporarilyUnavailable()))
		return
	}

	if outcome := c.fork.Start(ctx, c.targets, c.req, out); outcome.Failed != nil {
		c.finish(c.responseForFailure(outcome.Failed))
		return
	}

	if d, ok := requestExpiresDuration(c.req); ok {
		c.timers.Start(callTimerID, TimerExpire, d)
	}

	for {
		select {
		case <-ctx.Done():
			c.timers.Cancel(callTimerID, TimerExpire)
			c.fork.CancelAll(ctx)
			return

		case <-c.cancels:
			c.fork.CancelAll(ctx)
			c.finish(c.reply.Synth.Synthesize(c.req, 487, "Request Terminated"))
			return

		case ev := <-c.events:
			if done := c.handle(ctx, ev, out); done {
				return
			}
		}
	}
}

func (c *Call) handle(ctx context.Context, ev callEvent, out chan<- uacEvent) (done bool) {
	switch ev.kind {
	case callEventTimer:
		return c.handleTimer(ctx, ev.timer.txID, ev.timer.kind, out)

	case callEventBranch:
		return c.applyForkOutcome(ctx, c.fork.HandleEvent(ctx, ev.branch, out), out)
	}
	return false
}

// handleTimer dispatches a fired timer to the reaction spec.md §4.7
// assigns it: Timer C synthesizes a 408 for its branch and is handled
// exactly like any other branch failure; an expired Expires deadline
// cancels the whole call (spec.md's `expire` event); the linger timers
// (D/K) only complete a finished branch's proxy-layer FSM and need no
// further reaction from the Call itself.
func (c *Call) handleTimer(ctx context.Context, txID int, kind TimerKind, out chan<- uacEvent) (done bool) {
	switch kind {
	case TimerC:
		return c.applyForkOutcome(ctx, c.fork.TimerCFired(ctx, txID, out), out)

	case TimerExpire:
		c.fork.CancelAll(ctx)
		c.finish(c.reply.Synth.Synthesize(c.req, 487, "Request Terminated"))
		return true

	case TimerD, TimerK:
		c.fork.LingerExpired(txID)
		return false
	}

	c.log.Debug("timer fired", "tx", txID, "kind", kind)
	return false
}

// applyForkOutcome reacts to a forkOutcome the same way whether it came
// from a live branch event or from a synthesized Timer C timeout,
// keeping exactly one place that relays provisionals, latches an answer,
// or advances to the next serial group (spec.md §4.4/§4.5).
func (c *Call) applyForkOutcome(ctx context.Context, outcome forkOutcome, out chan<- uacEvent) (done bool) {
	if outcome.Provisional != nil {
		relayed := c.reply.Relay(c.req, outcome.Provisional)
		if err := c.uas.Respond(relayed); err != nil {
			c.log.Error("failed to relay provisional response", "error", err)
		}
		return false
	}

	if outcome.Answered != nil {
		_, res := c.fork.Winner()
		relayed := c.reply.Relay(c.req, res)
		c.dialog.ResponseReceived(c.req, res)
		c.finish(relayed)
		return true
	}

	if outcome.GroupExhausted {
		next := c.fork.Advance(ctx, out)
		if next.Failed != nil {
			c.finish(c.responseForFailure(next.Failed))
			return true
		}
		return false
	}

	return false
}

// responseForFailure relays the selected best downstream failure, or
// synthesizes 480 Temporarily Unavailable if every branch failed with a
// transport error rather than an actual response (spec.md §4.4's
// fallback when no branch ever produced a response to relay).
func (c *Call) responseForFailure(best *sip.Response) *sip.Response {
	if best == nil {
		return c.reply.FromError(c.req, &ReplyError{Kind: ErrKindTemporarilyUnavailable, Code: 480, Reason: "Temporarily Unavailable"})
	}
	return c.reply.Relay(c.req, best)
}

func (c *Call) finish(res *sip.Response) {
	c.timers.Cancel(callTimerID, TimerExpire)
	if err := c.uas.Respond(res); err != nil {
		c.log.Error("failed to send final response", "error", err)
	}
	c.dialog.RequestSent(c.req)
	c.deliverCallback(res)
}

// deliverCallback notifies a user-callback origin (spec.md §3's
// none|user-callback|fork distinction, §9's asynchronous callbacks) of
// this call's final disposition, shaped by Options.GetResponse/Fields
// exactly as eventForResponse computes for any other origin. A fork
// origin normally has no Callback set, so this is a no-op on the common
// path.
func (c *Call) deliverCallback(res *sip.Response) {
	if c.opts.Callback == nil {
		return
	}
	c.opts.Callback(c.opts.eventForResponse(res, nil))
}
