package stream

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrAckOutOfSequence is returned when Ack does not name the message last
// returned by Recv. It is a programming error.
const ErrAckOutOfSequence = errors.ConstError("ack out of sequence")

// IOError wraps a broker failure. The stream keeps retrying after reporting it.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stream io error: %v", e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// MessageError reports an entry that cannot be decoded. The entry stays
// current until it is acknowledged.
type MessageError struct {
	ID     string
	Reason string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s: %s", e.ID, e.Reason)
}
