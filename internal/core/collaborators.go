package core

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// DialogLayer is the dialog-state collaborator spec.md marks out of
// scope: the core reports dialog-affecting events to it but never reads
// or computes dialog state itself. Grounded on flowpbx's internal/sip
// Dialog, narrowed to the handful of calls a forking proxy actually needs
// to make into that layer.
type DialogLayer interface {
	// RequestSent is called once per Call with the inbound request, after
	// the Call's final response has been handed upstream; it is not called
	// as each downstream branch request leaves the wire.
	RequestSent(req *sip.Request)
	// ResponseReceived is called with the downstream response a Call
	// latches as its answer (a 2xx, or a 6xx that ends the fork).
	// Provisional responses and other failures are not reported.
	ResponseReceived(req *sip.Request, res *sip.Response)
	// Acked reports an ACK terminating an INVITE transaction. No code in
	// this package calls it: neither the ACKs sip.ClientTransaction sends
	// for non-2xx finals nor the ACK of a secondary 2xx are reported.
	Acked(req *sip.Request, ack *sip.Request)
}

// Auth is the digest-authentication collaborator. The UAC Transaction
// layer calls it when a final response challenges a request (401/407);
// implementations decide whether a retry is warranted and, if so, clone
// req, strip its Via (the caller re-adds a fresh one before resending)
// and attach the computed Authorization/Proxy-Authorization header.
// Grounded on flowpbx-flowpbx/internal/sip/outbound.go's handleTrunkAuth,
// generalized from a single hardcoded trunk credential into a per-request
// credential lookup.
type Auth interface {
	// Authorize inspects a challenge response to req and returns a retry
	// request (Via already removed, auth header already attached), or
	// ok=false if no credential applies and the challenge should be
	// passed through unchanged.
	Authorize(ctx context.Context, req *sip.Request, challenge *sip.Response) (retry *sip.Request, ok bool, err error)
}

// ReplySynthesizer builds the final response the core sends upstream
// when it must reply statelessly or synthesize a response the
// downstream leg never provided (spec.md §4.8, §7). Default
// implementation lives in reply.go; this seam exists so an embedder can
// override status-line text or add headers uniformly.
type ReplySynthesizer interface {
	Synthesize(req *sip.Request, code int, reason string) *sip.Response
}

// UASBridge is how the core hands a fully-formed response back to
// whatever accepted the original request on the wire (a
// sip.ServerTransaction in the common case, but the core never assumes
// that — it only needs to hand a response to something that can deliver
// it upstream, per spec.md's explicit transport/upper-layer boundary).
type UASBridge interface {
	Respond(res *sip.Response) error
}
