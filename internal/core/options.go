package core

import "github.com/emiago/sipgo/sip"

// FlowHandle pins a reply or a request to a specific connection, used by
// the RFC 5626 outbound handling in path.go.
type FlowHandle struct {
	Token      string
	Connection sip.Connection
}

// EventKind tags the shape of an Event delivered to an asynchronous
// origin (a user callback or a fork). This is the single sum type the
// async/get_request/get_response/fields/callback option matrix (spec.md
// §6, §9) compiles down to, rather than replicating that matrix at every
// call site.
type EventKind int

const (
	EventAsync EventKind = iota
	EventRequest
	EventResponse
	EventError
	EventOk
)

// Event is delivered to a user-callback origin once, when its Call reaches
// its final disposition (see Call.deliverCallback); provisional responses
// produce no Event.
type Event struct {
	Kind     EventKind
	Request  *sip.Request
	Response *sip.Response
	Err      error
	Code     int
	Fields   map[string]string
}

// EventFunc receives Events for a user-callback origin.
type EventFunc func(Event)

// Options is the vocabulary of spec.md §6, carried as a plain struct
// instead of a property list. Zero value means "none of these requested".
type Options struct {
	Stateless       bool
	RecordRoute     bool
	FollowRedirects bool
	MakePath        bool
	RemoveRoutes    bool
	RemoveHeaders   bool
	Headers         []sip.Header
	RouteURIs       []sip.Uri
	Flow            *FlowHandle
	NoDialog        bool
	UpdateDialog    bool
	Async           bool
	GetRequest      bool
	GetResponse     bool
	Fields          []string
	Callback        EventFunc
	MakeContact     bool
}

// eventForResponse computes the shape of event a user-callback origin
// expects for one response, instead of inspecting the option matrix at
// every send site (spec.md §9 "Asynchronous callbacks"). Called from
// Call.deliverCallback (call.go) once a call reaches its final
// disposition.
func (o Options) eventForResponse(res *sip.Response, err error) Event {
	if err != nil {
		return Event{Kind: EventError, Err: err}
	}
	ev := Event{Kind: EventOk, Code: res.StatusCode}
	if o.GetResponse {
		ev.Response = res
	}
	if len(o.Fields) > 0 {
		ev.Fields = extractFields(res, o.Fields)
	}
	return ev
}

func extractFields(res *sip.Response, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if h := res.GetHeader(f); h != nil {
			out[f] = h.Value()
		}
	}
	return out
}
