package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates what Data holds. It is the only thing a receiver
// looks at before deciding how to interpret the rest of the envelope.
type Type string

const (
	TypeIdentify        Type = "IDENTIFY"
	TypeRequest         Type = "REQUEST"
	TypeResponse        Type = "RESPONSE"
	TypeFailureResponse Type = "FAILURE_RESPONSE"
)

// Valid reports whether t is one of the four known packet types.
func (t Type) Valid() bool {
	switch t {
	case TypeIdentify, TypeRequest, TypeResponse, TypeFailureResponse:
		return true
	}
	return false
}

var (
	ErrMalformed    = errors.New("packet: malformed envelope")
	ErrUnknownType  = errors.New("packet: unknown type")
	ErrDataMismatch = errors.New("packet: data does not match type")
)

// Packet is the one envelope that crosses the wire, in both directions.
//
// ID is optional. Requests always carry one; replies that echo it are
// routed to the matching waiter, replies without it go to the oldest
// outstanding request on that connection.
type Packet struct {
	Identifier string          `json:"identifier"`
	Type       Type            `json:"type"`
	Data       json.RawMessage `json:"data"`
	ID         string          `json:"id,omitempty"`
}

// IdentifyData is the client's credential block.
// OverrideKey is empty when the client did not send one.
type IdentifyData struct {
	SecretKey   string `json:"secret_key"`
	OverrideKey string `json:"override_key,omitempty"`
}

// RequestData names the route to run and its keyword arguments.
type RequestData struct {
	Route     string         `json:"route"`
	Arguments map[string]any `json:"arguments"`
}

// Encode serializes a packet to its JSON text form.
func Encode(p Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if len(p.Data) == 0 {
		p.Data = json.RawMessage("null")
	}
	return json.Marshal(p)
}

// Decode parses one envelope. It checks the type is known but leaves
// payload validation to the typed accessors, since only the receiver
// knows which shapes it is prepared to accept at that point.
func Decode(raw []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !p.Type.Valid() {
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if len(p.Data) == 0 {
		p.Data = json.RawMessage("null")
	}
	return p, nil
}

// NewIdentify builds a client IDENTIFY packet.
func NewIdentify(identifier, secretKey, overrideKey string) Packet {
	data, _ := json.Marshal(IdentifyData{SecretKey: secretKey, OverrideKey: overrideKey})
	return Packet{Identifier: identifier, Type: TypeIdentify, Data: data}
}

// NewIdentifyAck builds the server's acknowledgment, whose data is always null.
func NewIdentifyAck(identifier string) Packet {
	return Packet{Identifier: identifier, Type: TypeIdentify, Data: json.RawMessage("null")}
}

// NewRequest builds a REQUEST packet. A nil args map is sent as {}.
func NewRequest(identifier, requestID, route string, args map[string]any) (Packet, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(RequestData{Route: route, Arguments: args})
	if err != nil {
		return Packet{}, fmt.Errorf("encode arguments for route %q: %w", route, err)
	}
	return Packet{Identifier: identifier, Type: TypeRequest, Data: data, ID: requestID}, nil
}

// NewResponse builds a RESPONSE packet carrying result.
func NewResponse(identifier, requestID string, result any) (Packet, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Packet{}, fmt.Errorf("encode response: %w", err)
	}
	return Packet{Identifier: identifier, Type: TypeResponse, Data: data, ID: requestID}, nil
}

// NewFailure builds a FAILURE_RESPONSE packet with a human readable message.
func NewFailure(identifier, requestID, message string) Packet {
	data, _ := json.Marshal(message)
	return Packet{Identifier: identifier, Type: TypeFailureResponse, Data: data, ID: requestID}
}

// Identify returns the credential block of an IDENTIFY packet.
// A null data block (the server ack) is a mismatch here: only the client
// side of the handshake carries credentials.
func (p Packet) Identify() (IdentifyData, error) {
	if p.Type != TypeIdentify {
		return IdentifyData{}, fmt.Errorf("%w: want %s, got %s", ErrDataMismatch, TypeIdentify, p.Type)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Data, &fields); err != nil || fields == nil {
		return IdentifyData{}, fmt.Errorf("%w: IDENTIFY data must be an object", ErrDataMismatch)
	}
	if _, ok := fields["secret_key"]; !ok {
		return IdentifyData{}, fmt.Errorf("%w: IDENTIFY data missing secret_key", ErrDataMismatch)
	}
	var d IdentifyData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return IdentifyData{}, fmt.Errorf("%w: %v", ErrDataMismatch, err)
	}
	return d, nil
}

// Request returns the route and arguments of a REQUEST packet.
func (p Packet) Request() (RequestData, error) {
	if p.Type != TypeRequest {
		return RequestData{}, fmt.Errorf("%w: want %s, got %s", ErrDataMismatch, TypeRequest, p.Type)
	}
	var d RequestData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return RequestData{}, fmt.Errorf("%w: %v", ErrDataMismatch, err)
	}
	if d.Route == "" {
		return RequestData{}, fmt.Errorf("%w: REQUEST data missing route", ErrDataMismatch)
	}
	if d.Arguments == nil {
		d.Arguments = map[string]any{}
	}
	return d, nil
}

// FailureMessage returns the description carried by a FAILURE_RESPONSE.
// Peers are expected to send a JSON string; anything else is returned as
// its raw JSON text so the message is never lost.
func (p Packet) FailureMessage() string {
	var msg string
	if err := json.Unmarshal(p.Data, &msg); err == nil {
		return msg
	}
	return string(p.Data)
}

// IsReply reports whether the packet answers a request.
func (p Packet) IsReply() bool {
	return p.Type == TypeResponse || p.Type == TypeFailureResponse
}
