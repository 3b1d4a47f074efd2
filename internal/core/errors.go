package core

import "fmt"

// ReplyErrorKind enumerates the closed set of error conditions the core can
// surface. Every kind is materialized into a SIP response by the Reply
// Adapter (see reply.go) rather than bubbling up as a bare Go error.
type ReplyErrorKind int

const (
	ErrKindTemporarilyUnavailable ReplyErrorKind = iota
	ErrKindTooManyHops
	ErrKindInvalidRequest
	ErrKindBadExtension
	ErrKindLoopDetected
	ErrKindExtensionRequired
	ErrKindForbidden
	ErrKindFlowFailed
	ErrKindRequestPending
	ErrKindUnknownDialog
	ErrKindNetworkError
	ErrKindServiceUnavailable
	ErrKindTimeout
	ErrKindInternal
)

func (k ReplyErrorKind) String() string {
	switch k {
	case ErrKindTemporarilyUnavailable:
		return "temporarily_unavailable"
	case ErrKindTooManyHops:
		return "too_many_hops"
	case ErrKindInvalidRequest:
		return "invalid_request"
	case ErrKindBadExtension:
		return "bad_extension"
	case ErrKindLoopDetected:
		return "loop_detected"
	case ErrKindExtensionRequired:
		return "extension_required"
	case ErrKindForbidden:
		return "forbidden"
	case ErrKindFlowFailed:
		return "flow_failed"
	case ErrKindRequestPending:
		return "request_pending"
	case ErrKindUnknownDialog:
		return "unknown_dialog"
	case ErrKindNetworkError:
		return "network_error"
	case ErrKindServiceUnavailable:
		return "service_unavailable"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// ReplyError is a core-level failure that the Reply Adapter turns into a
// *sip.Response instead of a transport-level error. Code/Reason are filled
// in for kinds that map onto a fixed SIP status; Tokens/Token carry the
// extra data a few kinds need (unsupported Proxy-Require tokens, the
// missing extension name).
type ReplyError struct {
	Kind    ReplyErrorKind
	Code    int
	Reason  string
	Tokens  []string
	Token   string
	Wrapped error
}

func (e *ReplyError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (%d %s): %v", e.Kind, e.Code, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("%s (%d %s)", e.Kind, e.Code, e.Reason)
}

func (e *ReplyError) Unwrap() error { return e.Wrapped }

func TemporarilyUnavailable() *ReplyError {
	return &ReplyError{Kind: ErrKindTemporarilyUnavailable, Code: 503, Reason: "Temporarily Unavailable"}
}

func TooManyHops() *ReplyError {
	return &ReplyError{Kind: ErrKindTooManyHops, Code: 483, Reason: "Too Many Hops"}
}

func InvalidRequest() *ReplyError {
	return &ReplyError{Kind: ErrKindInvalidRequest, Code: 400, Reason: "Invalid Request"}
}

func BadExtension(tokens []string) *ReplyError {
	return &ReplyError{Kind: ErrKindBadExtension, Code: 420, Reason: "Bad Extension", Tokens: tokens}
}

func LoopDetected() *ReplyError {
	return &ReplyError{Kind: ErrKindLoopDetected, Code: 482, Reason: "Loop Detected"}
}

func ExtensionRequired(token string) *ReplyError {
	return &ReplyError{Kind: ErrKindExtensionRequired, Code: 421, Reason: "Extension Required", Token: token}
}

func Forbidden() *ReplyError {
	return &ReplyError{Kind: ErrKindForbidden, Code: 403, Reason: "Forbidden"}
}

func FlowFailed() *ReplyError {
	return &ReplyError{Kind: ErrKindFlowFailed, Code: 430, Reason: "Flow Failed"}
}

func RequestPending() *ReplyError {
	return &ReplyError{Kind: ErrKindRequestPending, Code: 491, Reason: "Request Pending"}
}

func UnknownDialog() *ReplyError {
	return &ReplyError{Kind: ErrKindUnknownDialog, Code: 481, Reason: "Call/Transaction Does Not Exist"}
}

func NetworkError(err error) *ReplyError {
	return &ReplyError{Kind: ErrKindNetworkError, Code: 503, Reason: "Network Error", Wrapped: err}
}

func ServiceUnavailable() *ReplyError {
	return &ReplyError{Kind: ErrKindServiceUnavailable, Code: 503, Reason: "Service Unavailable"}
}

func Timeout(reason string) *ReplyError {
	return &ReplyError{Kind: ErrKindTimeout, Code: 408, Reason: reason}
}

func Internal(err error) *ReplyError {
	return &ReplyError{Kind: ErrKindInternal, Code: 500, Reason: "Internal Error", Wrapped: err}
}
