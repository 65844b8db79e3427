package queryhost

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/models"
)

// FutureConsumer feeds due futures back into the container's publish stream
// so they are processed like any other change of the query.
type FutureConsumer struct {
	publisher bus.Publisher
	topic     string
	queryID   string
	logger    *zap.Logger
	clock     clock.Clock
}

func NewFutureConsumer(publisher bus.Publisher, topic, queryID string, logger *zap.Logger, clk clock.Clock) *FutureConsumer {
	return &FutureConsumer{publisher: publisher, topic: topic, queryID: queryID, logger: logger, clock: clk}
}

func (f *FutureConsumer) OnDue(ctx context.Context, ref models.FutureRef) error {
	if _, err := f.publisher.Publish(ctx, f.topic, models.FutureChangeEvent(ref, f.queryID)); err != nil {
		return errors.Annotatef(err, "publishing future of %s", ref.Reference)
	}
	return nil
}

func (f *FutureConsumer) OnError(ref models.FutureRef, err error) {
	f.logger.Error("future failed",
		zap.Stringer("element", ref.Reference), zap.Uint64("due_time", ref.DueTime), zap.Error(err))
}

func (f *FutureConsumer) Now() uint64 {
	return uint64(f.clock.Now().UnixMilli())
}
