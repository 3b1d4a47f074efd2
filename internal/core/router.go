package core

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"golang.org/x/time/rate"
)

// RouterConfig carries the Proxy Router's fixed policy, set once at
// startup and shared by every Call the core handles.
type RouterConfig struct {
	// AppID distinguishes this proxy instance's branches/tags from any
	// other proxy sharing the same network, per spec.md §2.2.
	AppID string

	// Domain is compared against a request's top Route to decide whether
	// it targets this proxy or has already been routed past it.
	Domain string

	// RequireSupported lists Proxy-Require tokens this proxy understands;
	// anything else in an incoming Proxy-Require triggers BadExtension.
	RequireSupported []string

	// MaxForwardsDefault is applied when an incoming request carries no
	// Max-Forwards header (RFC 3261 16.6 item 4 recommends 70).
	MaxForwardsDefault uint8

	// AdmissionRate and AdmissionBurst configure the per-source token
	// bucket the Router uses to shed load, generalizing
	// flowpbx-flowpbx/internal/sip's BruteForceGuard fail2ban-style
	// tracking into a general-purpose admission limiter rather than an
	// auth-failure-only counter.
	AdmissionRate  rate.Limit
	AdmissionBurst int
}

// Router is the Proxy Router component (spec.md §4.2): it performs the
// request-validation and route-header bookkeeping every forwarded
// request needs before the Fork Controller ever sees it.
type Router struct {
	cfg RouterConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxForwardsDefault == 0 {
		cfg.MaxForwardsDefault = 70
	}
	return &Router{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Admit reports whether a request from source should be accepted at all,
// independent of its contents, shedding load the way BruteForceGuard
// sheds abusive sources but keyed by admission rate rather than auth
// failure count.
func (r *Router) Admit(source string) bool {
	if r.cfg.AdmissionRate <= 0 {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[source]
	if !ok {
		lim = rate.NewLimiter(r.cfg.AdmissionRate, r.cfg.AdmissionBurst)
		r.limiters[source] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Validate performs the RFC 3261 16.3/16.6 request-validation checks the
// Proxy Router is responsible for: Max-Forwards exhaustion, loop
// detection via an already-present branch this proxy minted, and
// unsupported Proxy-Require extensions. It returns a *ReplyError
// describing the rejection reason, or nil if req may proceed.
func (r *Router) Validate(req *sip.Request) *ReplyError {
	if mf, ok := maxForwards(req); ok && mf == 0 {
		return TooManyHops()
	}

	if via := req.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok && r.isOwnBranch(branch) {
			return LoopDetected()
		}
	}

	if pr := req.GetHeader("Proxy-Require"); pr != nil {
		if bad := r.unsupportedTokens(pr.Value()); len(bad) > 0 {
			return BadExtension(bad)
		}
	}

	return nil
}

// isOwnBranch reports whether branch was minted by this proxy instance,
// the signal RFC 3261 16.6 item 7 ("loop detection") relies on when a
// request reappears carrying one of this proxy's own Via branches.
func (r *Router) isOwnBranch(branch string) bool {
	return strings.HasPrefix(branch, "z9hG4bK") && strings.Contains(branch, r.cfg.AppID)
}

func (r *Router) unsupportedTokens(proxyRequire string) []string {
	var bad []string
	for _, tok := range strings.Split(proxyRequire, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !contains(r.cfg.RequireSupported, tok) {
			bad = append(bad, tok)
		}
	}
	return bad
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// DecrementMaxForwards returns req's Max-Forwards value reduced by one,
// applying the configured default when the header was absent (RFC 3261
// 16.6 item 4).
func (r *Router) DecrementMaxForwards(req *sip.Request) uint8 {
	if mf, ok := maxForwards(req); ok {
		return mf - 1
	}
	return r.cfg.MaxForwardsDefault - 1
}

// TopRouteIsSelf reports whether req's top Route header names this proxy,
// the condition under which the Proxy Router strips it before the
// request is forwarded (RFC 3261 16.4).
func (r *Router) TopRouteIsSelf(req *sip.Request) bool {
	route, ok := topRoute(req)
	if !ok {
		return false
	}
	return strings.EqualFold(route.Address.Host, r.cfg.Domain)
}

func maxForwards(req *sip.Request) (uint8, bool) {
	h := req.GetHeader("Max-Forwards")
	if h == nil {
		return 0, false
	}
	mf, ok := h.(*sip.MaxForwardsHeader)
	if !ok {
		return 0, false
	}
	return uint8(*mf), true
}

func topRoute(req *sip.Request) (*sip.RouteHeader, bool) {
	h := req.GetHeader("Route")
	if h == nil {
		return nil, false
	}
	route, ok := h.(*sip.RouteHeader)
	return route, ok
}
