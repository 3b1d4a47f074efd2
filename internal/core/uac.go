package core

import (
	"context"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// UACState is the proxy-layer state machine spec.md §4.5 lays over the
// transport transaction: sip.ClientTransaction already drives RFC 3261/6026
// timers A/B/D/E/F/K/M and the calling/proceeding/completed/terminated FSM
// (see emiago-sipgo/sip/transaction_client_tx_fsm.go); this layer tracks
// only the proxy-specific facts that FSM knows nothing about — whether a
// CANCEL has been requested, whether a challenge retry is in flight, and
// the best final response seen so far.
type UACState int

const (
	UACCalling UACState = iota
	UACProceeding
	UACCancelling
	UACCompleted
	UACTerminated
)

func (s UACState) String() string {
	switch s {
	case UACCalling:
		return "calling"
	case UACProceeding:
		return "proceeding"
	case UACCancelling:
		return "cancelling"
	case UACCompleted:
		return "completed"
	default:
		return "terminated"
	}
}

// UAC wraps one outbound request's sip.ClientTransaction with the
// proxy-specific bookkeeping spec.md §4.5/§4.6 describes: auth retry,
// CANCEL-pending tracking and the best response recorded for this branch.
type UAC struct {
	ID      int
	Target  sip.Uri
	Request *sip.Request
	Opts    Options

	mu                sync.Mutex
	state             UACState
	tx                sip.ClientTransaction
	best              *sip.Response
	provisional       *sip.Response
	cancelwanted      bool
	cancelSent        bool
	deferredCancelDue bool
	authTried         bool
	toTags            []string
}

// UACTransport is the narrow slice of *sipgo.Client a UAC needs: sending a
// request statefully and getting back the transaction whose Responses()
// channel is multiplexed into the owning Call's event loop, plus a
// fire-and-forget write for the rare message (a secondary-response ACK,
// spec.md §4.6) that must leave the wire without its own transaction.
// Grounded on flowpbx-flowpbx/internal/sip/forker.go's direct use of
// *sipgo.Client.
type UACTransport interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error
}

// NewUAC sends req and returns a UAC tracking its client transaction. The
// returned UAC's responses are not yet observable by a Call — pumpResponses
// must be started by the caller (ordinarily the Call actor, see call.go) to
// forward them onto the Call's event channel, preserving the single-owner
// model of spec.md §5.
func NewUAC(ctx context.Context, id int, transport UACTransport, target sip.Uri, req *sip.Request, opts Options, appID string) (*UAC, error) {
	tx, err := transport.TransactionRequest(ctx, req, sipgo.ClientRequestBuild, tagBranch(appID))
	if err != nil {
		return nil, NetworkError(err)
	}
	return &UAC{
		ID:      id,
		Target:  target,
		Request: req,
		Opts:    opts,
		state:   UACCalling,
		tx:      tx,
	}, nil
}

// State returns the current proxy-layer state under lock.
func (u *UAC) State() UACState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Best returns the best final response recorded for this branch so far,
// or nil if none has arrived yet.
func (u *UAC) Best() *sip.Response {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.best
}

// pumpResponses forwards every response and terminal error from the
// wrapped transaction onto out, tagged with this UAC's id, until the
// transaction finishes. Intended to run on its own goroutine per UAC,
// exactly as forker.go's collectResponses does, except it never
// interprets status codes itself — that is the Fork Controller's job.
func (u *UAC) pumpResponses(ctx context.Context, out chan<- uacEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.tx.Done():
			if err := u.tx.Err(); err != nil {
				out <- uacEvent{uacID: u.ID, err: err}
			}
			return
		case res, ok := <-u.tx.Responses():
			if !ok {
				return
			}
			out <- uacEvent{uacID: u.ID, res: res}
			if res.StatusCode >= 200 {
				return
			}
		}
	}
}

type uacEvent struct {
	uacID int
	res   *sip.Response
	err   error
}

// recordResponse applies a response to the branch's local state and
// reports whether it is the branch's new best (i.e. a final response that
// the Fork Controller should evaluate against the other branches), and
// whether this is a final response arriving after the branch already had
// one recorded (a secondary/late response, spec.md §4.6) that the Fork
// Controller must not re-forward upstream.
func (u *UAC) recordResponse(res *sip.Response) (isFinal, isLate bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if res.StatusCode < 200 {
		firstProvisional := u.provisional == nil
		u.provisional = res
		if u.state == UACCalling {
			u.state = UACProceeding
		}
		u.deferredCancelDue = firstProvisional && u.cancelwanted
		return false, false
	}

	wasFinal := u.state == UACCompleted || u.state == UACTerminated
	if wasFinal {
		u.toTags = append(u.toTags, toTagOf(res))
		return true, true
	}

	u.best = res
	u.state = UACCompleted
	u.toTags = append(u.toTags, toTagOf(res))
	return true, false
}

// toTagOf extracts the To-tag of a response, or "" if none is present,
// used to tell apart genuinely duplicate final responses from a
// forked/secondary 2xx carrying a distinct dialog leg (spec.md §3, §4.6).
func toTagOf(res *sip.Response) string {
	to := res.To()
	if to == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// takeDeferredCancel reports and clears whether a CANCEL deferred while
// waiting for the first provisional (RFC 3261 §9.1) is now due, following
// the arrival of that provisional.
func (u *UAC) takeDeferredCancel() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	due := u.deferredCancelDue
	u.deferredCancelDue = false
	return due
}

// markTerminated transitions the branch to its terminal state once the
// underlying transaction has fully wound down (ACK sent for non-2xx, or
// CANCEL acknowledged).
func (u *UAC) markTerminated() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = UACTerminated
}

// RequestCancel marks this branch as cancel-pending and, if it has a live
// INVITE transaction that has received at least one provisional response,
// sends the CANCEL carrying the given Reason (RFC 3326; empty means no
// Reason header, used for a plain user-initiated cancel). Per RFC 3261
// 9.1, CANCEL must not be sent before a provisional response unless the
// transaction has already timed out waiting for one; if none has arrived
// yet the request is deferred and fires once recordResponse sees the
// first 1xx (see takeDeferredCancel, called by the Fork Controller from
// its response-handling dispatch).
func (u *UAC) RequestCancel(ctx context.Context, transport UACTransport, reason string) error {
	u.mu.Lock()
	u.cancelwanted = true
	provisional := u.provisional
	alreadySent := u.cancelSent
	req := u.Request
	u.mu.Unlock()

	if alreadySent || provisional == nil {
		return nil
	}
	return u.sendCancelOnce(ctx, transport, req, reason)
}

// fireDeferredCancel issues the CANCEL that was deferred in invite_calling
// because no provisional response had arrived yet (spec.md §4.5's
// invite_calling dispatch of `cancel=to_cancel`). Called once the Fork
// Controller observes takeDeferredCancel return true for a 1xx just
// recorded.
func (u *UAC) fireDeferredCancel(ctx context.Context, transport UACTransport) error {
	u.mu.Lock()
	alreadySent := u.cancelSent
	req := u.Request
	u.mu.Unlock()

	if alreadySent {
		return nil
	}
	return u.sendCancelOnce(ctx, transport, req, "")
}

func (u *UAC) sendCancelOnce(ctx context.Context, transport UACTransport, req *sip.Request, reason string) error {
	u.mu.Lock()
	u.cancelSent = true
	u.mu.Unlock()
	return sendCancel(ctx, transport, req, reason)
}

// sendCancel builds a CANCEL matching the INVITE it cancels (same
// Call-ID/From/To/CSeq number/top Via, per RFC 3261 9.1) and fires it as
// its own transaction, grounded on sipgo's own newCancelRequest and
// forker.go's cancelLegs. reason, if non-empty, is carried as a Reason
// header (RFC 3326; spec.md §4.4's "200 Call completed elsewhere" /
// 6xx-code cancellation).
func sendCancel(ctx context.Context, transport UACTransport, inviteReq *sip.Request, reason string) error {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SipVersion = inviteReq.SipVersion
	cancelReq.SetTransport(inviteReq.Transport())

	if via := inviteReq.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inviteReq, cancelReq)
	if h := inviteReq.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	if reason != "" {
		cancelReq.AppendHeader(sip.NewHeader("Reason", reason))
	}

	tx, err := transport.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return NetworkError(err)
	}
	tx.Terminate()
	return nil
}

// ackThenBye tears down a secondary/late dialog leg (spec.md §4.6): a
// forked 2xx arrived on a to-tag this engine never intended to keep a
// dialog for, so it acknowledges it and immediately hangs it up rather
// than leaving it dangling. Both sends are best-effort; failures have no
// recovery path beyond the caller logging them (spec.md §9's ACK error
// handling note).
func ackThenBye(ctx context.Context, transport UACTransport, inviteReq *sip.Request, res *sip.Response) error {
	ack := sip.NewAckRequest(inviteReq, res, nil)
	if err := transport.WriteRequest(ack); err != nil {
		return NetworkError(err)
	}
	return sendBye(ctx, transport, inviteReq, res)
}

// sendBye builds a subsequent BYE the way sipgo's own newByeRequestUAC
// does: routed to the response's Contact when present (RFC 3261 12.1.2),
// carrying the dialog's Route set, and the request's CSeq incremented
// past the INVITE's.
func sendBye(ctx context.Context, transport UACTransport, inviteReq *sip.Request, res *sip.Response) error {
	recipient := inviteReq.Recipient
	if cont := res.Contact(); cont != nil {
		recipient = *cont.Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SipVersion = inviteReq.SipVersion
	sip.CopyHeaders("Route", inviteReq, bye)
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := bye.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = sip.BYE
	}
	bye.SetTransport(inviteReq.Transport())

	tx, err := transport.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return NetworkError(err)
	}
	tx.Terminate()
	return nil
}

// Terminate stops the underlying transaction without waiting for its
// natural timers, used when the Call itself is being torn down.
func (u *UAC) Terminate() {
	u.mu.Lock()
	tx := u.tx
	u.mu.Unlock()
	if tx != nil {
		tx.Terminate()
	}
}

// retryWithAuth asks the auth collaborator to build a credentialed retry
// for a 401/407 challenge and, if it does, resends it as a brand new
// transaction (a fresh branch and an incremented CSeq, per RFC 3261 22.1 —
// credentials are never resent on the original branch). Grounded verbatim
// on flowpbx-flowpbx/internal/sip/outbound.go's handleTrunkAuth: Auth
// returns a cloned request carrying the Authorization/Proxy-Authorization
// header with its Via stripped, and this layer re-adds Via and bumps CSeq
// the same way the teacher's TransactionRequest call does.
func (u *UAC) retryWithAuth(ctx context.Context, transport UACTransport, auth Auth, challenge *sip.Response, appID string) (*UAC, bool, error) {
	u.mu.Lock()
	alreadyTried := u.authTried
	u.authTried = true
	u.mu.Unlock()

	if alreadyTried || auth == nil {
		return nil, false, nil
	}

	retryReq, ok, err := auth.Authorize(ctx, u.Request, challenge)
	if err != nil {
		return nil, false, Internal(err)
	}
	if !ok {
		return nil, false, nil
	}

	tx, err := transport.TransactionRequest(ctx, retryReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
		tagBranch(appID),
	)
	if err != nil {
		return nil, false, NetworkError(err)
	}

	return &UAC{
		ID:        u.ID,
		Target:    u.Target,
		Request:   retryReq,
		Opts:      u.Opts,
		state:     UACCalling,
		tx:        tx,
		authTried: true,
	}, true, nil
}
