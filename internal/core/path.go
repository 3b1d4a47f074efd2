package core

import (
	"github.com/emiago/sipgo/sip"
)

// PathConfig carries what the Router needs to decide whether and how to
// insert itself into the signaling path of a forwarded request.
type PathConfig struct {
	// RecordRouteURI is this proxy's own URI, inserted as a Record-Route
	// header on dialog-forming requests so subsequent in-dialog requests
	// route back through it (RFC 3261 16.6 item 4, §4.3).
	RecordRouteURI sip.Uri
}

// ApplyRecordRoute prepends this proxy's Record-Route header onto req
// when the caller has asked for it (Options.RecordRoute), so it remains
// in the signaling path of every subsequent request in the dialog.
func ApplyRecordRoute(req *sip.Request, cfg PathConfig, opts Options) {
	if !opts.RecordRoute {
		return
	}
	req.PrependHeader(&sip.RecordRouteHeader{Address: *cfg.RecordRouteURI.Clone()})
}

// StripTopRoute removes req's top Route header, used once the Proxy
// Router has determined (via Router.TopRouteIsSelf) that it names this
// proxy and has already served its purpose (RFC 3261 16.4).
func StripTopRoute(req *sip.Request) {
	req.RemoveHeader("Route")
}

// ApplyRouteSet rewrites req's Request-URI and Route headers according to
// a caller-supplied route set (Options.RouteURIs), the strict/loose
// routing handling spec.md §4.3 calls for when a request must egress via
// an explicit next hop (an outbound proxy, a trunk's configured
// signaling address) rather than directly to the resolved target.
func ApplyRouteSet(req *sip.Request, routeURIs []sip.Uri) {
	if len(routeURIs) == 0 {
		return
	}

	first := routeURIs[0]
	if !isLooseRoute(first) {
		// Strict routing (RFC 3261 16.12 Note 2): the next hop goes in
		// the Request-URI, and the real target is pushed onto the route
		// set's tail so it is restored once the strict-router forwards.
		routeURIs = append(routeURIs[1:], req.Recipient)
		req.Recipient = first
	}

	for i := len(routeURIs) - 1; i >= 0; i-- {
		req.PrependHeader(&sip.RouteHeader{Address: *routeURIs[i].Clone()})
	}
}

// isLooseRoute reports whether a route-set entry carries the "lr"
// parameter (RFC 3261 19.1.1), distinguishing a loose router's Route URI
// from a strict router's.
func isLooseRoute(u sip.Uri) bool {
	if u.UriParams == nil {
		return false
	}
	_, ok := u.UriParams.Get("lr")
	return ok
}

// MakeFlowURI embeds a FlowHandle's opaque token into a Contact/Path URI
// parameter, the mechanism RFC 5626 §5.2 outbound handling uses to route
// a later request back down the exact connection this request arrived
// on, per spec.md's Flow option.
func MakeFlowURI(base sip.Uri, flow *FlowHandle) sip.Uri {
	if flow == nil {
		return base
	}
	out := *base.Clone()
	if out.UriParams == nil {
		out.UriParams = sip.NewParams()
	}
	out.UriParams.Add("flow", flow.Token)
	return out
}

// FlowTokenFromURI extracts a previously embedded flow token from a URI
// built by MakeFlowURI, or "" if none is present.
func FlowTokenFromURI(u sip.Uri) (string, bool) {
	if u.UriParams == nil {
		return "", false
	}
	return u.UriParams.Get("flow")
}
