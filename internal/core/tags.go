package core

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// TxKey is the deterministic hash spec.md §2.2 describes: derived only
// from (app id, Call-ID, method, top Via branch), so two components that
// observe the same wire exchange always agree on which transaction it
// belongs to.
type TxKey string

func deriveTxKey(appID, callID string, method sip.RequestMethod, branch string) TxKey {
	return TxKey(fmt.Sprintf("%s|%s|%s|%s", appID, callID, method, branch))
}

// TxKeyFromRequest derives the key a response to req will be matched
// against, reading the branch off the top Via the core itself attaches
// (see uac.go's NewUAC and tagBranch below).
func TxKeyFromRequest(appID string, req *sip.Request) (TxKey, bool) {
	via := req.Via()
	if via == nil {
		return "", false
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return "", false
	}
	cid := req.CallID()
	if cid == nil {
		return "", false
	}
	method := req.Method
	if method == sip.ACK {
		// ACK for a non-2xx matches its INVITE transaction (RFC 3261 17.1.1.3).
		method = sip.INVITE
	}
	return deriveTxKey(appID, cid.Value(), method, branch), true
}

// TxKeyFromResponse derives the key of the transaction that should receive
// resp, reading the branch off the top Via (which, for a response, is the
// same top Via the UAC added to the request).
func TxKeyFromResponse(appID string, res *sip.Response) (TxKey, bool) {
	via := res.Via()
	if via == nil {
		return "", false
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return "", false
	}
	cid := res.CallID()
	if cid == nil {
		return "", false
	}
	cseq := res.CSeq()
	if cseq == nil {
		return "", false
	}
	return deriveTxKey(appID, cid.Value(), cseq.MethodName, branch), true
}

// newBranch mints an engine-unique RFC 3261 magic-cookie branch token
// carrying this proxy instance's AppID, grounded on how the teacher mints
// identifiers throughout (uuid.NewV4 in sipgo's MessageID, uuid.NewString
// in flowpbx's nonce/call ids). The embedded AppID is what lets
// Router.isOwnBranch recognize a request that looped back to this same
// proxy instance (RFC 3261 16.6 item 7, spec.md §2.2).
func newBranch(appID string) string {
	return "z9hG4bK" + appID + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// tagBranch returns a sipgo.ClientRequestOption that overwrites whatever
// branch sipgo.ClientRequestBuild/ClientRequestAddVia generated for req's
// top Via with one of this proxy's own AppID-tagged branches. It must run
// after the option that adds the Via in the first place, since it edits
// the header in place rather than creating one (the Via's Host/Port are
// filled in by the transport layer from the client's own listening
// address, which this package has no seam to reproduce independently).
func tagBranch(appID string) sipgo.ClientRequestOption {
	return func(_ *sipgo.Client, r *sip.Request) error {
		via := r.Via()
		if via == nil {
			return nil
		}
		via.Params.Add("branch", newBranch(appID))
		return nil
	}
}
