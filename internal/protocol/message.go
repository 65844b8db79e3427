// Package protocol is the websocket wire format shared by result and debug
// subscribers.
package protocol

import "encoding/json"

// Client message types.
const (
	TypePing        = "PING"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
)

// Server message types.
const (
	TypePong         = "PONG"
	TypeSubscribed   = "SUBSCRIBED"
	TypeUnsubscribed = "UNSUBSCRIBED"
	TypeSnapshot     = "SNAPSHOT"
	TypeChange       = "CHANGE"
	TypeControl      = "CONTROL"
	TypeError        = "ERROR"
)

type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Subscribe asks for the results of a query. ID is chosen by the client and
// echoed on every message of the subscription.
type Subscribe struct {
	Message
	QueryID string `json:"queryId"`
}

type Unsubscribe struct {
	Message
}

// Envelope carries a payload to the client.
type Envelope struct {
	Message
	Data any `json:"data,omitempty"`
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}
