package domain

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/stream"
)

// ResultService reads the result streams of queries.
type ResultService struct {
	broker stream.Broker
	clock  clock.Clock
	logger *zap.Logger
}

func NewResultService(broker stream.Broker, clk clock.Clock, logger *zap.Logger) *ResultService {
	return &ResultService{broker: broker, clock: clk, logger: logger}
}

// Stream follows {queryID}-results as group. Events are acknowledged as they
// are handed out.
func (s *ResultService) Stream(ctx context.Context, queryID, group string, start stream.Start) (*ResultStream, error) {
	st, err := stream.Open[models.ResultEvent](ctx, s.broker, stream.Options{
		Stream: bus.ResultsTopic(queryID),
		Group:  group,
		Start:  start,
		Logger: s.logger,
		Clock:  s.clock,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "opening results of %s", queryID)
	}
	rs := &ResultStream{stream: st, events: make(chan models.ResultEvent)}
	rs.tomb.Go(rs.pump)
	return rs, nil
}

// ResultStream is a live feed of result events.
type ResultStream struct {
	stream *stream.Stream[models.ResultEvent]
	events chan models.ResultEvent
	tomb   tomb.Tomb
}

// Events is closed when the stream stops.
func (r *ResultStream) Events() <-chan models.ResultEvent {
	return r.events
}

func (r *ResultStream) pump() error {
	defer close(r.events)
	return stream.Consume(r.tomb.Context(nil), r.stream, func(_ context.Context, msg *stream.Message[models.ResultEvent]) error {
		select {
		case r.events <- msg.Data:
			return nil
		case <-r.tomb.Dying():
			return tomb.ErrDying
		}
	})
}

func (r *ResultStream) Close() error {
	r.tomb.Kill(nil)
	if err := r.stream.Close(); err != nil {
		return errors.Trace(err)
	}
	err := r.tomb.Wait()
	if errors.Is(err, tomb.ErrDying) {
		return nil
	}
	return err
}
