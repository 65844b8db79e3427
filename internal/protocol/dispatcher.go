package protocol

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Handler serves the subscriptions of one connection.
type Handler interface {
	Subscribe(id, queryID string) error
	Unsubscribe(id string)
}

// HandleMessage decodes raw and calls h. Replies go through send.
func HandleMessage(raw []byte, h Handler, send func(Envelope) error) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return send(Envelope{Message: Message{Type: TypeError}, Data: "invalid JSON"})
	}

	switch msg.Type {
	case TypePing:
		return send(Envelope{Message: Message{Type: TypePong, ID: msg.ID}})

	case TypeSubscribe:
		var sub Subscribe
		if err := json.Unmarshal(raw, &sub); err != nil || sub.QueryID == "" {
			return send(Envelope{Message: Message{Type: TypeError, ID: msg.ID}, Data: "missing queryId"})
		}
		if sub.ID == "" {
			sub.ID = sub.QueryID
		}
		if err := h.Subscribe(sub.ID, sub.QueryID); err != nil {
			return send(Envelope{Message: Message{Type: TypeError, ID: sub.ID}, Data: err.Error()})
		}
		return nil

	case TypeUnsubscribe:
		h.Unsubscribe(msg.ID)
		return send(Envelope{Message: Message{Type: TypeUnsubscribed, ID: msg.ID}})
	}
	return errors.Trace(send(Envelope{Message: Message{Type: TypeError, ID: msg.ID}, Data: "unknown message type"}))
}
