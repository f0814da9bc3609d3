// Package message defines the JSON messages exchanged over a storage-rpc connection.
//
// Four shapes travel in frames, in both directions over the same connection:
//
//	Request       {"id":1,"method":"dbEnvGet","args":["gameTime"]}
//	Response      {"id":1,"error":null,"result":"1234"}
//	Subscribe     {"method":"subscribe","channel":"tickStarted"}
//	Notification  {"pubsub":{"channel":"tickStarted","data":1234}}
//
// Arguments, results, errors and publication data are opaque JSON values; they are
// kept as json.RawMessage so nothing is re-encoded on the way through.
package message

import (
	"bytes"
	"encoding/json"
)

const (
	// MethodSubscribe is the reserved method name of a Subscribe message.
	MethodSubscribe = "subscribe"

	// Wildcard subscribes to every channel. It excludes every other subscription
	// on the same connection.
	Wildcard = "*"
)

// Kind classifies an inbound Message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindSubscribe
	KindPublish
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindSubscribe:
		return "subscribe"
	case KindPublish:
		return "publish"
	}
	return "unknown"
}

// Message is the union of every shape a peer can send. Decoders read frames into
// it and switch on Kind.
type Message struct {
	ID      uint64            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Error   json.RawMessage   `json:"error,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Pubsub  *Publication      `json:"pubsub,omitempty"`
}

// Kind reports which shape m has.
func (m *Message) Kind() Kind {
	switch {
	case m.Pubsub != nil:
		return KindPublish
	case m.Method == MethodSubscribe:
		return KindSubscribe
	case m.Method != "":
		return KindRequest
	case m.ID != 0:
		return KindResponse
	}
	return KindUnknown
}

// Failed reports whether a response carries an error.
func (m *Message) Failed() bool {
	return !IsEmpty(m.Error)
}

// Request asks the peer to run Method with Args. ID is unique among the requests
// still awaiting a response on the connection.
type Request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Response answers the request with the same ID. Error is encoded as null on
// success; Result is omitted when Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Error  json.RawMessage `json:"error"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Subscribe registers interest in a channel. It never gets a response.
type Subscribe struct {
	Method  string `json:"method"`
	Channel string `json:"channel"`
}

// NewSubscribe returns the Subscribe message for channel.
func NewSubscribe(channel string) Subscribe {
	return Subscribe{Method: MethodSubscribe, Channel: channel}
}

// Publication is data published on a channel.
type Publication struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Notification carries a Publication to a subscribed peer.
type Notification struct {
	Pubsub Publication `json:"pubsub"`
}

// IsEmpty reports whether raw is absent or a JSON value the JavaScript peers treat
// as "no value": null, false, 0 or the empty string.
func IsEmpty(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return true
	}
	switch string(v) {
	case "null", "false", "0", `""`:
		return true
	}
	return false
}
