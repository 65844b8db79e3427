// Package dispatch delivers routed changes to the publish-api of every
// subscribed query container.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/invoke"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/router"
	"github.com/zoravur/continuum/internal/stream"
	"github.com/zoravur/continuum/internal/tracing"
)

const (
	ConsumerGroup   = "change-dispatcher"
	DefaultConsumer = "dispatcher"
	PublishMethod   = "change"
)

// PublishAPI is the app id of the publish-api of a query container.
func PublishAPI(queryNodeID string) string {
	return queryNodeID + "-publish-api"
}

type Config struct {
	SourceID   string
	Broker     stream.Broker
	Invoker    invoke.Invoker
	Consumer   string
	BufferSize int
	BatchSize  int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
}

type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	tomb   tomb.Tomb
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("source_id", cfg.SourceID)),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	in, err := stream.Open[[]models.DispatchEvent](ctx, d.cfg.Broker, stream.Options{
		Stream:     router.DispatchTopic(d.cfg.SourceID),
		Group:      ConsumerGroup,
		Consumer:   d.cfg.Consumer,
		BufferSize: d.cfg.BufferSize,
		BatchSize:  d.cfg.BatchSize,
		Logger:     d.cfg.Logger,
		Clock:      d.cfg.Clock,
		Metrics:    d.cfg.Metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	d.tomb.Go(func() error {
		defer in.Close()
		ctx := d.tomb.Context(nil)
		err := stream.Consume(ctx, in, d.handle)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return nil
}

func (d *Dispatcher) Stop() error {
	d.tomb.Kill(nil)
	return d.tomb.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, msg *stream.Message[[]models.DispatchEvent]) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch", msg.TraceParent, msg.TraceState)
	defer span.End()

	for _, evt := range msg.Data {
		if err := d.dispatch(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// dispatch invokes the publish-api of each query node subscribed to evt. Nodes
// that already accepted the change are not called again on retry.
func (d *Dispatcher) dispatch(ctx context.Context, evt models.DispatchEvent) error {
	start := uint64(d.cfg.Clock.Now().UnixMilli())
	changes, err := ChangeEvents(evt)
	if err != nil {
		d.logger.Error("dropping malformed dispatch event", zap.String("id", evt.ID), zap.Error(err))
		return nil
	}

	nodes := make([]string, 0, len(changes))
	for node := range changes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	sent := make(map[string]bool, len(nodes))
	op := func() error {
		for _, node := range nodes {
			if sent[node] {
				continue
			}
			change := changes[node]
			tracking := models.TrackingSource(change.Metadata)
			tracking["changeDispatcherStart_ms"] = start
			tracking["changeDispatcherEnd_ms"] = uint64(d.cfg.Clock.Now().UnixMilli())
			if err := d.cfg.Invoker.Invoke(ctx, PublishAPI(node), PublishMethod, change, nil); err != nil {
				return errors.Annotatef(err, "publishing %s to %s", evt.ID, node)
			}
			sent[node] = true
			d.cfg.Metrics.ChangeDispatched(node)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		d.logger.Warn("dispatch failed, retrying", zap.Error(err), zap.Duration("in", next))
	})
}

// ChangeEvents groups the subscriptions of evt by query node and builds the
// change event each node receives.
func ChangeEvents(evt models.DispatchEvent) (map[string]models.ChangeEvent, error) {
	before, err := decodePayload(evt.Before)
	if err != nil {
		return nil, errors.Annotate(err, "before")
	}
	after, err := decodePayload(evt.After)
	if err != nil {
		return nil, errors.Annotate(err, "after")
	}

	out := make(map[string]models.ChangeEvent)
	for _, sub := range evt.Subscriptions {
		change, ok := out[sub.QueryNodeID]
		if !ok {
			kind := evt.ElementType
			change = models.ChangeEvent{
				ID:          evt.ID,
				SourceID:    evt.SourceID,
				Time:        models.ChangeTime{Seq: evt.Time.Seq, Ns: evt.Time.Ms},
				Op:          evt.Op,
				ElementType: &kind,
				Before:      before,
				After:       after,
				Metadata:    cloneMetadata(evt.Metadata),
			}
		}
		change.Queries = append(change.Queries, sub.QueryID)
		out[sub.QueryNodeID] = change
	}
	return out, nil
}

func decodePayload(raw json.RawMessage) (*models.ChangePayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p models.ChangePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Trace(err)
	}
	return &p, nil
}

// cloneMetadata deep copies the nested maps so per-node tracking stamps do not
// leak between nodes.
func cloneMetadata(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneMetadata(m)
			continue
		}
		out[k] = v
	}
	return out
}
