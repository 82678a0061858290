// Package wire specifies the three message genres multiplexed over a
// single Helios connection — Request, Response, and Event — and the
// narrow interface a wire codec must satisfy to parse raw transport
// frames into these typed messages and serialize them back. The codec
// itself, like the transport, is an external collaborator: this package
// pins down only the contract the core (pkg/conn, pkg/coordinator) needs,
// plus a default implementation so the core is testable end to end.
package wire

import "fmt"

// Kind identifies which of the three wire genres a Message carries.
type Kind uint8

const (
	KindRequest  Kind = iota + 1
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Message is the parsed form of one wire frame. Exactly one of Request,
// Response, or Event is populated, selected by Kind.
type Message struct {
	Kind     Kind
	Request  *Request
	Response *Response
	Event    *Event
}

// Request is a correlated RPC call. Id must be non-empty; it is supplied
// by the codec's outgoing constructor (NewRequest) and echoed back on the
// matching Response.
type Request struct {
	ID      string
	Method  string
	Payload any
}

// Response completes exactly one prior Request, matched by ID.
type Response struct {
	ID      string
	Payload any
	Error   *ErrorPayload
}

// ErrorPayload is the shape a handler failure or dispatch failure takes
// when encoded into a Response.
type ErrorPayload struct {
	Code    string
	Message string
}

func (e *ErrorPayload) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Event is a fire-and-forget, topic-addressed pub/sub message. It carries
// no request id and expects no reply.
type Event struct {
	Topic   string
	Payload any
}

// NewRequest builds an outgoing Request, minting a fresh id via idGen.
func NewRequest(idGen func() string, method string, payload any) *Request {
	return &Request{ID: idGen(), Method: method, Payload: payload}
}

// NewResponse builds a successful Response to the Request with the given id.
func NewResponse(requestID string, payload any) *Response {
	return &Response{ID: requestID, Payload: payload}
}

// NewErrorResponse builds a failed Response to the Request with the given id.
func NewErrorResponse(requestID, code, message string) *Response {
	return &Response{ID: requestID, Error: &ErrorPayload{Code: code, Message: message}}
}

// NewEvent builds an outgoing Event.
func NewEvent(topic string, payload any) *Event {
	return &Event{Topic: topic, Payload: payload}
}
