// Package jsonrpc implements JSON-RPC 1.0 messaging over a byte stream: the
// message codec, a non-blocking connection, and a reconnecting session.
//
// The wire format is concatenated JSON objects with no framing delimiter;
// the receiver relies on the scanner's ability to find the end of one value.
// Following the JSON-RPC 1.0 convention, a Reply carries "error": null, an
// Error carries "result": null, and a Notify carries "id": null; no other
// unused slot is emitted, and a Request carries no null slot at all.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync/atomic"
)

// ErrProtocol reports malformed JSON or a message violating the JSON-RPC
// shape rules. It latches the connection it occurred on.
var ErrProtocol = errors.New("jsonrpc: protocol error")

// ErrNotConnected is returned by Session.Send while no connection is active.
var ErrNotConnected = errors.New("jsonrpc: not connected")

// MsgType identifies one of the four JSON-RPC 1.0 message shapes.
type MsgType int

const (
	TypeRequest MsgType = iota
	TypeNotify
	TypeReply
	TypeError
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeNotify:
		return "notification"
	case TypeReply:
		return "reply"
	case TypeError:
		return "error"
	}
	return "invalid"
}

// Message is a single JSON-RPC 1.0 message. Optional slots are nil when
// absent; a JSON null on the wire decodes to nil, and an empty Method means
// no method. Params, when present, is always a JSON array.
type Message struct {
	Type   MsgType
	Method string          // Request, Notify
	Params json.RawMessage // Request, Notify
	Result json.RawMessage // Reply
	Error  json.RawMessage // Error
	ID     json.RawMessage // Request, Reply, Error
}

var jsonNull = json.RawMessage("null")

// reqID allocates request ids. Uniqueness among in-flight requests is all
// that is required; a process-wide counter gives it.
var reqID atomic.Uint64

func nextRequestID() json.RawMessage {
	id := reqID.Add(1) - 1
	return json.RawMessage(strconv.FormatUint(id, 10))
}

// NewRequest builds a Request with a freshly allocated id. A nil params
// becomes the empty array.
func NewRequest(method string, params json.RawMessage) *Message {
	if params == nil {
		params = json.RawMessage("[]")
	}
	return &Message{
		Type:   TypeRequest,
		Method: method,
		Params: params,
		ID:     nextRequestID(),
	}
}

// NewNotify builds a Notify. A nil params becomes the empty array.
func NewNotify(method string, params json.RawMessage) *Message {
	if params == nil {
		params = json.RawMessage("[]")
	}
	return &Message{Type: TypeNotify, Method: method, Params: params}
}

// NewReply builds a Reply to the request with the given id.
func NewReply(result, id json.RawMessage) *Message {
	return &Message{Type: TypeReply, Result: result, ID: id}
}

// NewError builds an Error response to the request with the given id.
func NewError(errVal, id json.RawMessage) *Message {
	return &Message{Type: TypeError, Error: errVal, ID: id}
}

// slotNames indexes the five wire slots in their canonical order.
var slotNames = [5]string{"method", "params", "result", "error", "id"}

// slotShapes maps each type to which slots it requires; all others are
// forbidden.
var slotShapes = map[MsgType][5]bool{
	TypeRequest: {true, true, false, false, true},
	TypeNotify:  {true, true, false, false, false},
	TypeReply:   {false, false, true, false, true},
	TypeError:   {false, false, false, true, true},
}

// Validate checks m against the JSON-RPC 1.0 shape rules for its type.
func (m *Message) Validate() error {
	want, ok := slotShapes[m.Type]
	if !ok {
		return fmt.Errorf("unknown message type %d", int(m.Type))
	}
	have := [5]bool{
		m.Method != "",
		m.Params != nil,
		m.Result != nil,
		m.Error != nil,
		m.ID != nil,
	}
	for i, name := range slotNames {
		switch {
		case have[i] && !want[i]:
			return fmt.Errorf("%s has unexpected %q", m.Type, name)
		case !have[i] && want[i]:
			return fmt.Errorf("%s is missing required %q", m.Type, name)
		}
	}
	if m.Params != nil && !isArray(m.Params) {
		return fmt.Errorf("%s has non-array \"params\"", m.Type)
	}
	return nil
}

// MarshalJSON encodes m for the wire, validating first. A Reply carries
// "error": null, an Error "result": null, and a Notify "id": null; every
// other unused slot is omitted, so a Request has no "result" or "error".
func (m *Message) MarshalJSON() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch m.Type {
	case TypeRequest:
		return json.Marshal(struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     json.RawMessage `json:"id"`
		}{m.Method, m.Params, m.ID})
	case TypeNotify:
		return json.Marshal(struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     json.RawMessage `json:"id"`
		}{m.Method, m.Params, jsonNull})
	case TypeReply:
		return json.Marshal(struct {
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
			ID     json.RawMessage `json:"id"`
		}{m.Result, jsonNull, m.ID})
	default: // TypeError; Validate rejected everything else
		return json.Marshal(struct {
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
			ID     json.RawMessage `json:"id"`
		}{jsonNull, m.Error, m.ID})
	}
}

// UnmarshalJSON decodes one wire object into m. Explicit nulls in optional
// slots count as absent; unknown members are rejected. The message type is
// inferred (result, then error, then id, else notification) and the shape
// rules are enforced.
func (m *Message) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("message is not a JSON object")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(name string) json.RawMessage {
		v, ok := raw[name]
		delete(raw, name)
		if !ok || isNull(v) {
			return nil
		}
		return v
	}
	*m = Message{}
	if v := take("method"); v != nil {
		if err := json.Unmarshal(v, &m.Method); err != nil {
			return errors.New("\"method\" is not a string")
		}
	}
	m.Params = take("params")
	m.Result = take("result")
	m.Error = take("error")
	m.ID = take("id")
	if len(raw) > 0 {
		names := slices.Sorted(maps.Keys(raw))
		return fmt.Errorf("message has unknown member %q", names[0])
	}
	switch {
	case m.Result != nil:
		m.Type = TypeReply
	case m.Error != nil:
		m.Type = TypeError
	case m.ID != nil:
		m.Type = TypeRequest
	default:
		m.Type = TypeNotify
	}
	return m.Validate()
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func isArray(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && t[0] == '['
}

// cloneRaw copies a raw JSON value so the copy's lifetime is independent.
func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}

// rawEqual compares two raw JSON values ignoring insignificant whitespace.
func rawEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
