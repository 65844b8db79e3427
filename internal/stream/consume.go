package stream

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// PoisonRetryDelay is how long Consume waits before looking at a poison
// entry again.
const PoisonRetryDelay = 5 * time.Second

// Handler processes one message. A nil return acknowledges it.
type Handler[T any] func(ctx context.Context, msg *Message[T]) error

// Consume runs the recv, handle, ack loop until ctx is done, the stream is
// closed or handle fails. I/O errors are left to the stream's retry. A poison
// entry halts consumption and is retried after PoisonRetryDelay.
func Consume[T any](ctx context.Context, s *Stream[T], handle Handler[T]) error {
	for {
		msg, err := s.Recv(ctx)
		var (
			ioErr  *IOError
			msgErr *MessageError
		)
		switch {
		case errors.As(err, &ioErr):
			continue
		case errors.As(err, &msgErr):
			s.logger.Error("poison entry blocks the stream",
				zap.String("id", msgErr.ID), zap.String("reason", msgErr.Reason))
			select {
			case <-s.clock.After(PoisonRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			case <-s.tomb.Dying():
				return nil
			}
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return errors.Trace(err)
		case msg == nil:
			return nil
		}

		if err := handle(ctx, msg); err != nil {
			return errors.Trace(err)
		}
		if err := s.Ack(ctx, msg.ID); err != nil {
			if errors.Is(err, ErrAckOutOfSequence) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("ack failed, message will be handled again", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}
