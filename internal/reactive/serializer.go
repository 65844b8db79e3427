package reactive

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/protocol"
)

// SerializeResult encodes evt once for all clients and returns its message
// type.
func SerializeResult(evt models.ResultEvent) (string, json.RawMessage, error) {
	msgType := protocol.TypeChange
	if evt.Control != nil {
		msgType = protocol.TypeControl
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return "", nil, errors.Annotatef(err, "encoding result of %s", evt.QueryID())
	}
	return msgType, raw, nil
}
