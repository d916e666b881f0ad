package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stateless message discriminators understood by the server.
const (
	MsgHistoryList   = "history.list"
	MsgHistoryWatch  = "history.watch"
	MsgHistoryPrev   = "history.prev"
	MsgHistoryNext   = "history.next"
	MsgHistoryRevert = "history.revert"
	MsgHistoryError  = "history.error"
	MsgDocumentSave  = "document.save"
	MsgDocumentSaved = "document:saved"
	MsgReadOnly      = "document:readonly"
	MsgSessionReady  = "session:ready"
)

var ErrNoDiscriminator = errors.New("protocol: stateless envelope without msg")

// Envelope is a stateless control message. Raw keeps the original bytes so
// unrecognized messages can be forwarded verbatim.
type Envelope struct {
	Msg    string
	Fields map[string]json.RawMessage
	Raw    []byte
}

// ParseEnvelope decodes a stateless payload.
func ParseEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	var msg string
	if raw, ok := fields["msg"]; ok {
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode msg: %w", err)
		}
	}
	if msg == "" {
		return Envelope{}, ErrNoDiscriminator
	}
	delete(fields, "msg")
	return Envelope{Msg: msg, Fields: fields, Raw: data}, nil
}

// Int64 returns a numeric field.
func (e Envelope) Int64(key string) (int64, bool) {
	raw, ok := e.Fields[key]
	if !ok {
		return 0, false
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// String returns a string field or "".
func (e Envelope) String(key string) string {
	raw, ok := e.Fields[key]
	if !ok {
		return ""
	}
	var v string
	_ = json.Unmarshal(raw, &v)
	return v
}

// Stateless builds a stateless frame {msg, ...fields}.
func Stateless(msg string, fields map[string]any) []byte {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["msg"] = msg
	data, err := json.Marshal(body)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"msg": msg, "error": err.Error()})
	}
	return Encode(TypeStateless, data)
}
