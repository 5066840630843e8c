package vws

import "encoding/json"

// Message kinds of the Vinculum WebSocket protocol, carried in the "k" field.
const (
	MessageKindSubscribe   = "s"
	MessageKindUnsubscribe = "u"

	MessageKindAck  = "a"
	MessageKindNack = "n"

	// Events carry no kind, only a topic and data.
	MessageKindEvent = ""
)

// WireMessage is the JSON form of every message on the connection. Data is
// kept as raw JSON so event payloads reach the hub exactly as sent.
type WireMessage struct {
	Kind  string          `json:"k,omitempty"`
	Topic string          `json:"t,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
	Id    any             `json:"i,omitempty"`
	Error string          `json:"e,omitempty"`
}
