package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrProtocol is returned by a Codec when a raw frame cannot be parsed
// into a typed Message. The Coordinator's handling of this error is
// governed by its configured parse mode (strict/permissive/passthrough).
var ErrProtocol = errors.New("wire: protocol error")

// Codec parses raw transport frames into typed Messages and serializes
// typed Messages back into frames. It is an external collaborator of the
// Helios core (spec.md §1): the core depends only on this interface, not
// on any particular wire format.
type Codec interface {
	// Decode parses a raw frame payload delivered by the transport.
	Decode(raw []byte) (*Message, error)

	// Encode serializes a Message for delivery by the transport.
	Encode(msg *Message) ([]byte, error)

	// NewRequestID mints a fresh, non-empty request id for outgoing
	// Requests constructed by the Connection (spec.md §4.3).
	NewRequestID() string
}

// JSONCodec is the default Codec: each Frame's payload is a JSON object
// tagged by kind. It is deliberately simple — production deployments are
// expected to supply their own Codec (e.g. over the teacher's binary
// varint framing) when payload size matters more than readability.
type JSONCodec struct{}

// NewJSONCodec returns the default JSON-over-Frame codec.
func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

type wireRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

type wireEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *JSONCodec) Decode(raw []byte) (*Message, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch frame.Type {
	case FrameRequest:
		var wr wireRequest
		if err := json.Unmarshal(frame.Payload, &wr); err != nil {
			return nil, fmt.Errorf("%w: decode request: %v", ErrProtocol, err)
		}
		if wr.ID == "" {
			return nil, fmt.Errorf("%w: request missing id", ErrProtocol)
		}
		return &Message{Kind: KindRequest, Request: &Request{
			ID: wr.ID, Method: wr.Method, Payload: rawOrNil(wr.Payload),
		}}, nil

	case FrameResponse:
		var wr wireResponse
		if err := json.Unmarshal(frame.Payload, &wr); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
		}
		if wr.ID == "" {
			return nil, fmt.Errorf("%w: response missing id", ErrProtocol)
		}
		return &Message{Kind: KindResponse, Response: &Response{
			ID: wr.ID, Payload: rawOrNil(wr.Payload), Error: wr.Error,
		}}, nil

	case FrameEvent:
		var we wireEvent
		if err := json.Unmarshal(frame.Payload, &we); err != nil {
			return nil, fmt.Errorf("%w: decode event: %v", ErrProtocol, err)
		}
		return &Message{Kind: KindEvent, Event: &Event{
			Topic: we.Topic, Payload: rawOrNil(we.Payload),
		}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown frame type %v", ErrProtocol, frame.Type)
	}
}

func (c *JSONCodec) Encode(msg *Message) ([]byte, error) {
	var ft FrameType
	var payload any

	switch msg.Kind {
	case KindRequest:
		if msg.Request.ID == "" {
			return nil, fmt.Errorf("%w: outgoing request missing id", ErrProtocol)
		}
		raw, err := marshalPayload(msg.Request.Payload)
		if err != nil {
			return nil, err
		}
		ft, payload = FrameRequest, wireRequest{ID: msg.Request.ID, Method: msg.Request.Method, Payload: raw}

	case KindResponse:
		if msg.Response.ID == "" {
			return nil, fmt.Errorf("%w: outgoing response missing id", ErrProtocol)
		}
		raw, err := marshalPayload(msg.Response.Payload)
		if err != nil {
			return nil, err
		}
		ft, payload = FrameResponse, wireResponse{ID: msg.Response.ID, Payload: raw, Error: msg.Response.Error}

	case KindEvent:
		raw, err := marshalPayload(msg.Event.Payload)
		if err != nil {
			return nil, err
		}
		ft, payload = FrameEvent, wireEvent{Topic: msg.Event.Topic, Payload: raw}

	default:
		return nil, fmt.Errorf("%w: unknown message kind %v", ErrProtocol, msg.Kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrProtocol, err)
	}
	frame, err := NewFrame(ft, body)
	if err != nil {
		return nil, err
	}
	return frame.Encode(), nil
}

func (c *JSONCodec) NewRequestID() string {
	return uuid.NewString()
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrProtocol, err)
	}
	return b, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
