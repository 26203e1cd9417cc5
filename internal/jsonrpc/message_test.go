package jsonrpc_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nalgeon/be"

	"github.com/pkarhunen/wireline/internal/jsonrpc"
)

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  jsonrpc.Message
		want string
	}{
		{
			name: "request omits result and error",
			msg: jsonrpc.Message{
				Type:   jsonrpc.TypeRequest,
				Method: "sum",
				Params: raw(`[1,2]`),
				ID:     raw(`7`),
			},
			want: `{"method":"sum","params":[1,2],"id":7}`,
		},
		{
			name: "reply carries null error",
			msg: jsonrpc.Message{
				Type:   jsonrpc.TypeReply,
				Result: raw(`true`),
				ID:     raw(`7`),
			},
			want: `{"result":true,"error":null,"id":7}`,
		},
		{
			name: "error carries null result",
			msg: jsonrpc.Message{
				Type:  jsonrpc.TypeError,
				Error: raw(`"bad"`),
				ID:    raw(`7`),
			},
			want: `{"result":null,"error":"bad","id":7}`,
		},
		{
			name: "notification carries null id",
			msg: jsonrpc.Message{
				Type:   jsonrpc.TypeNotify,
				Method: "tick",
				Params: raw(`[]`),
			},
			want: `{"method":"tick","params":[],"id":null}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(&tt.msg)
			be.Err(t, err, nil)
			be.Equal(t, string(got), tt.want)
		})
	}
}

func TestDecodeInference(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want jsonrpc.MsgType
	}{
		{"result wins", `{"result":true,"error":null,"id":1}`, jsonrpc.TypeReply},
		{"null result is absent", `{"result":null,"error":"x","id":1}`, jsonrpc.TypeError},
		{"id alone means request", `{"method":"m","params":[],"id":1}`, jsonrpc.TypeRequest},
		{"nothing means notification", `{"method":"m","params":[],"id":null}`, jsonrpc.TypeNotify},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg jsonrpc.Message
			err := json.Unmarshal([]byte(tt.in), &msg)
			be.Err(t, err, nil)
			be.Equal(t, msg.Type, tt.want)
		})
	}
}

func TestDecodeUnknownMember(t *testing.T) {
	var msg jsonrpc.Message
	err := json.Unmarshal([]byte(`{"method":"m","params":[],"id":1,"extra":0}`), &msg)
	be.Err(t, err)
	be.True(t, strings.Contains(err.Error(), "extra"))
}

func TestDecodeShapeViolations(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not an object", `[1,2,3]`},
		{"method not a string", `{"method":3,"params":[],"id":1}`},
		{"params not an array", `{"method":"m","params":{"a":1},"id":1}`},
		{"reply with method", `{"method":"m","result":true,"id":1}`},
		{"error without id", `{"error":"x"}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg jsonrpc.Message
			err := json.Unmarshal([]byte(tt.in), &msg)
			be.Err(t, err)
		})
	}
}

// An empty object decodes as a notification with no method, which the shape
// rules reject; sanity-check the message mentions the missing slot.
func TestDecodeEmptyObjectDiagnostic(t *testing.T) {
	var msg jsonrpc.Message
	err := json.Unmarshal([]byte(`{}`), &msg)
	be.Err(t, err)
	be.True(t, strings.Contains(err.Error(), `"method"`))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  jsonrpc.Message
	}{
		{"request", jsonrpc.Message{Type: jsonrpc.TypeRequest, Method: "m", Params: raw(`[1,"two",[3]]`), ID: raw(`"abc"`)}},
		{"notification", jsonrpc.Message{Type: jsonrpc.TypeNotify, Method: "tick", Params: raw(`[]`)}},
		{"reply", jsonrpc.Message{Type: jsonrpc.TypeReply, Result: raw(`{"ok":true}`), ID: raw(`42`)}},
		{"error", jsonrpc.Message{Type: jsonrpc.TypeError, Error: raw(`"boom"`), ID: raw(`42`)}},
		{"false result stays a reply", jsonrpc.Message{Type: jsonrpc.TypeReply, Result: raw(`false`), ID: raw(`0`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(&tt.msg)
			be.Err(t, err, nil)
			var got jsonrpc.Message
			err = json.Unmarshal(data, &got)
			be.Err(t, err, nil)
			be.Equal(t, got.Type, tt.msg.Type)
			be.Equal(t, got.Method, tt.msg.Method)
			be.Equal(t, string(got.Params), string(tt.msg.Params))
			be.Equal(t, string(got.Result), string(tt.msg.Result))
			be.Equal(t, string(got.Error), string(tt.msg.Error))
			be.Equal(t, string(got.ID), string(tt.msg.ID))
		})
	}
}

// The explicit nulls a Reply/Error/Notify carries on the wire must read back
// as absent, not as null values.
func TestNullSlotsDecodeAsAbsent(t *testing.T) {
	data, err := json.Marshal(&jsonrpc.Message{
		Type:  jsonrpc.TypeError,
		Error: raw(`"bad"`),
		ID:    raw(`7`),
	})
	be.Err(t, err, nil)
	var got jsonrpc.Message
	err = json.Unmarshal(data, &got)
	be.Err(t, err, nil)
	be.Equal(t, got.Type, jsonrpc.TypeError)
	be.True(t, got.Result == nil)
}

func TestEncodeValidates(t *testing.T) {
	_, err := json.Marshal(&jsonrpc.Message{Type: jsonrpc.TypeRequest, Method: "m", Params: raw(`[]`)})
	be.Err(t, err)
	_, err = json.Marshal(&jsonrpc.Message{Type: jsonrpc.TypeReply, Result: raw(`1`), Error: raw(`"x"`), ID: raw(`1`)})
	be.Err(t, err)
}

func TestRequestIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		req := jsonrpc.NewRequest("m", nil)
		id := string(req.ID)
		be.True(t, !seen[id])
		seen[id] = true
	}
}

func TestNewRequestDefaultsParams(t *testing.T) {
	req := jsonrpc.NewRequest("m", nil)
	be.Equal(t, string(req.Params), "[]")
	be.Err(t, req.Validate(), nil)
}
