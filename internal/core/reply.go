package core

import "github.com/emiago/sipgo/sip"

// DefaultReplySynthesizer builds responses with sip.NewResponseFromRequest,
// the same helper forker.go uses to relay a ringing response, so the
// resulting status line, Via/Record-Route/From/To/Call-ID/CSeq copy-back
// behaves identically whether the response started life on the wire or
// was synthesized here.
type DefaultReplySynthesizer struct{}

func (DefaultReplySynthesizer) Synthesize(req *sip.Request, code int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(req, code, reason, nil)
}

// ReplyAdapter is the Reply Adapter component (spec.md §4.8): it is the
// only place a *ReplyError or a raw status code becomes an actual
// *sip.Response sent upstream, so the mapping from core error kinds to
// wire status lines lives in exactly one function.
type ReplyAdapter struct {
	Synth ReplySynthesizer
}

func NewReplyAdapter(synth ReplySynthesizer) *ReplyAdapter {
	if synth == nil {
		synth = DefaultReplySynthesizer{}
	}
	return &ReplyAdapter{Synth: synth}
}

// FromError turns a ReplyError into the response that should be sent for
// req, given that no downstream response is available to relay.
func (a *ReplyAdapter) FromError(req *sip.Request, err *ReplyError) *sip.Response {
	res := a.Synth.Synthesize(req, err.Code, err.Reason)
	switch err.Kind {
	case ErrKindBadExtension:
		if len(err.Tokens) > 0 {
			res.AppendHeader(sip.NewHeader("Unsupported", joinTokens(err.Tokens)))
		}
	case ErrKindExtensionRequired:
		if err.Token != "" {
			res.AppendHeader(sip.NewHeader("Require", err.Token))
		}
	}
	return res
}

// Relay forwards a downstream final response essentially unmodified, per
// RFC 3261 16.7's requirement that a proxy strip only its own top Via
// before forwarding. Unlike FromError, which synthesizes a response from
// the request template, Relay clones the downstream response itself so
// every header it carries — the answering To-tag a dialog needs to form,
// and the WWW-Authenticate/Proxy-Authenticate set mergeChallenges (see
// fork.go) built across every branch — survives the hop. req is unused
// beyond documenting the symmetry with FromError; the topmost Via removed
// here is the one this proxy added for the downstream leg (headerOrder
// preserves wire order, so RemoveHeader's first-match semantics remove
// exactly that one, per headers.go's RemoveHeader).
func (a *ReplyAdapter) Relay(req *sip.Request, downstream *sip.Response) *sip.Response {
	res := downstream.Clone()
	res.RemoveHeader("Via")
	return res
}

func joinTokens(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}
