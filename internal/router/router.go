// Package router routes source changes to the queries subscribed to their
// labels.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/stream"
	"github.com/zoravur/continuum/internal/tracing"
)

const (
	ConsumerGroup   = "change-router"
	DefaultConsumer = "router"
)

func ChangeTopic(sourceID string) string   { return sourceID + "-change" }
func DispatchTopic(sourceID string) string { return sourceID + "-dispatch" }

type Config struct {
	SourceID   string
	Broker     stream.Broker
	Publisher  bus.Publisher
	Store      persistence.SubscriptionStore
	Consumer   string
	BufferSize int
	BatchSize  int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Router consumes {sourceId}-change and publishes dispatch events to
// {sourceId}-dispatch.
type Router struct {
	cfg         Config
	logger      *zap.Logger
	subscribers *SubscriberMap
	tomb        tomb.Tomb
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	return &Router{
		cfg:         cfg,
		logger:      cfg.Logger.With(zap.String("source_id", cfg.SourceID)),
		subscribers: NewSubscriberMap(),
	}
}

// Subscribers exposes the subscriber map.
func (r *Router) Subscribers() *SubscriberMap {
	return r.subscribers
}

// Start rebuilds the subscriber map from the store and begins routing.
func (r *Router) Start(ctx context.Context) error {
	subs, err := r.cfg.Store.List(ctx, r.cfg.SourceID)
	if err != nil {
		return errors.Annotate(err, "loading subscriptions")
	}
	for _, s := range subs {
		r.subscribers.AddLabels(labelsOf(s), s.QueryNodeID, s.QueryID)
	}
	r.logger.Info("subscriptions restored", zap.Int("count", len(subs)))

	in, err := stream.Open[[]models.SourceChangeMessage](ctx, r.cfg.Broker, stream.Options{
		Stream:     ChangeTopic(r.cfg.SourceID),
		Group:      ConsumerGroup,
		Consumer:   r.cfg.Consumer,
		BufferSize: r.cfg.BufferSize,
		BatchSize:  r.cfg.BatchSize,
		Logger:     r.cfg.Logger,
		Clock:      r.cfg.Clock,
		Metrics:    r.cfg.Metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	r.tomb.Go(func() error {
		defer in.Close()
		ctx := r.tomb.Context(nil)
		err := stream.Consume(ctx, in, r.handle)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return nil
}

func (r *Router) Stop() error {
	r.tomb.Kill(nil)
	return r.tomb.Wait()
}

func (r *Router) Dead() <-chan struct{} {
	return r.tomb.Dead()
}

func (r *Router) handle(ctx context.Context, msg *stream.Message[[]models.SourceChangeMessage]) error {
	ctx, span := tracing.StartSpan(ctx, "route", msg.TraceParent, msg.TraceState)
	defer span.End()

	start := r.cfg.Clock.Now().UnixMilli()
	var events []models.DispatchEvent
	for _, change := range msg.Data {
		if change.IsSubscription() {
			if err := r.retry(ctx, func() error { return r.applySubscription(ctx, change) }); err != nil {
				return err
			}
			continue
		}
		evt, ok := r.route(change, uint64(start))
		if ok {
			events = append(events, evt)
		}
	}
	if len(events) == 0 {
		return nil
	}

	end := uint64(r.cfg.Clock.Now().UnixMilli())
	for i := range events {
		models.TrackingSource(events[i].Metadata)["changeRouterEnd_ms"] = end
	}
	topic := DispatchTopic(r.cfg.SourceID)
	err := r.retry(ctx, func() error {
		_, err := r.cfg.Publisher.Publish(ctx, topic, events)
		return err
	})
	if err != nil {
		return err
	}
	for range events {
		r.cfg.Metrics.ChangeRouted(r.cfg.SourceID)
	}
	return nil
}

// route builds the dispatch event for a data change, or reports false when
// nothing subscribes to its labels.
func (r *Router) route(change models.SourceChangeMessage, startMs uint64) (models.DispatchEvent, bool) {
	labels := change.Labels()
	subs := r.subscribers.Lookup(labels)
	if len(subs) == 0 {
		r.logger.Debug("no subscribers", zap.Strings("labels", labels))
		return models.DispatchEvent{}, false
	}

	src := change.Payload.Source
	ms := src.TsMs
	if ms == 0 {
		ms = change.TsMs
	}
	evt := models.DispatchEvent{
		ID:            uuid.NewString(),
		SourceID:      r.cfg.SourceID,
		Op:            change.Op,
		ElementType:   change.ElementType(),
		Subscriptions: subs,
		Time:          models.DispatchTime{Seq: src.LSN, Ms: ms},
		Before:        change.Payload.Before,
		After:         change.Payload.After,
		Metadata:      map[string]any{},
	}
	tracking := models.TrackingSource(evt.Metadata)
	tracking["seq"] = src.LSN
	tracking["reactivator_ms"] = ms
	tracking["changeRouterStart_ms"] = startMs
	return evt, true
}

func (r *Router) applySubscription(ctx context.Context, change models.SourceChangeMessage) error {
	switch change.Op {
	case models.OpInsert:
		var req models.SubscriptionRequest
		if err := json.Unmarshal(change.Payload.After, &req); err != nil {
			r.logger.Error("invalid subscription event", zap.Error(err))
			return nil
		}
		if err := r.cfg.Store.Save(ctx, r.cfg.SourceID, req); err != nil {
			return errors.Trace(err)
		}
		r.subscribers.AddLabels(labelsOf(req), req.QueryNodeID, req.QueryID)
		r.logger.Info("subscription added",
			zap.String("query_node_id", req.QueryNodeID), zap.String("query_id", req.QueryID))
	case models.OpDelete:
		var sub models.Subscription
		if err := json.Unmarshal(change.Payload.Before, &sub); err != nil {
			r.logger.Error("invalid unsubscription event", zap.Error(err))
			return nil
		}
		if err := r.cfg.Store.Delete(ctx, r.cfg.SourceID, sub.QueryNodeID, sub.QueryID); err != nil {
			return errors.Trace(err)
		}
		r.subscribers.RemoveQuery(sub.QueryNodeID, sub.QueryID)
		r.logger.Info("subscription removed",
			zap.String("query_node_id", sub.QueryNodeID), zap.String("query_id", sub.QueryID))
	default:
		r.logger.Warn("ignoring subscription event", zap.Stringer("op", change.Op))
	}
	return nil
}

// retry runs op with exponential backoff until it succeeds or the router is
// stopping.
func (r *Router) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		r.logger.Warn("retrying", zap.Error(err), zap.Duration("in", next))
	})
}

func labelsOf(req models.SubscriptionRequest) []string {
	out := make([]string, 0, len(req.NodeLabels)+len(req.RelLabels))
	out = append(out, req.NodeLabels...)
	return append(out, req.RelLabels...)
}
