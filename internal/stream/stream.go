package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/metrics"
)

// Start selects where a newly created consumer group begins.
type Start int

const (
	StartBeginning Start = iota
	StartEnd
)

// DefaultConsumer names the consumer when Options.Consumer is empty.
const DefaultConsumer = "qh"

const (
	defaultBufferSize   = 16
	defaultBatchSize    = 10
	defaultBlockTimeout = 5 * time.Second
)

// Options configure a Stream.
type Options struct {
	Stream   string
	Group    string
	Consumer string

	BufferSize int
	BatchSize  int
	Start      Start
	// StartAtMs, when set, starts a new group at that timestamp and
	// overrides Start.
	StartAtMs uint64
	// BlockTimeout bounds a single blocking read.
	BlockTimeout time.Duration

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Message is a decoded stream entry.
type Message[T any] struct {
	ID          string
	Data        T
	EnqueueTime uint64
	TraceParent string
	TraceState  string
}

type delivery struct {
	entry Entry
	err   error
}

// Stream is a single-consumer, strictly ordered view of a consumer group.
// Recv returns the same message until it is acknowledged. Entries pending for
// the consumer from a previous session are delivered before new ones.
type Stream[T any] struct {
	broker Broker
	opts   Options
	logger *zap.Logger
	clock  clock.Clock

	buffer  chan delivery
	tomb    tomb.Tomb
	stopped atomic.Bool

	mu      sync.Mutex
	current *Entry
}

// Open creates the consumer group if needed and starts buffering.
func Open[T any](ctx context.Context, broker Broker, opts Options) (*Stream[T], error) {
	if opts.Stream == "" || opts.Group == "" {
		return nil, errors.NotValidf("stream options without stream or group")
	}
	if opts.Consumer == "" {
		opts.Consumer = DefaultConsumer
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	start := "0"
	switch {
	case opts.StartAtMs > 0:
		start = fmt.Sprintf("%d-0", opts.StartAtMs)
	case opts.Start == StartEnd:
		start = "$"
	}
	if err := broker.CreateGroup(ctx, opts.Stream, opts.Group, start); err != nil {
		return nil, &IOError{Err: errors.Annotatef(err, "creating group %s on %s", opts.Group, opts.Stream)}
	}

	s := &Stream[T]{
		broker: broker,
		opts:   opts,
		logger: opts.Logger.With(zap.String("stream", opts.Stream), zap.String("group", opts.Group)),
		clock:  opts.Clock,
		buffer: make(chan delivery, opts.BufferSize),
	}
	s.tomb.Go(s.loop)
	return s, nil
}

func (s *Stream[T]) loop() error {
	defer close(s.buffer)
	ctx := s.tomb.Context(nil)

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	// --- pending entries of a previous session ---
	startID := "0"
	for {
		entries, err := s.broker.ReadGroup(ctx, ReadArgs{
			Stream:   s.opts.Stream,
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			ID:       startID,
			Count:    int64(s.opts.BatchSize),
		})
		if err != nil {
			if !s.wait(err, retry) {
				return nil
			}
			continue
		}
		retry.Reset()
		if len(entries) == 0 {
			break
		}
		startID = entries[len(entries)-1].ID
		if !s.push(entries) {
			return nil
		}
	}
	s.logger.Debug("pending entries replayed")

	// --- new entries ---
	for {
		entries, err := s.broker.ReadGroup(ctx, ReadArgs{
			Stream:   s.opts.Stream,
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			ID:       ">",
			Count:    int64(s.opts.BatchSize),
			Block:    s.opts.BlockTimeout,
		})
		if err != nil {
			if !s.wait(err, retry) {
				return nil
			}
			continue
		}
		retry.Reset()
		if !s.push(entries) {
			return nil
		}
	}
}

// wait reports a broker error to the consumer and sleeps for the next backoff
// interval. It returns false when the stream is stopping.
func (s *Stream[T]) wait(err error, retry backoff.BackOff) bool {
	select {
	case <-s.tomb.Dying():
		return false
	default:
	}

	s.opts.Metrics.StreamError(s.opts.Stream, "io")
	s.logger.Error("error reading from broker", zap.Error(err))
	select {
	case s.buffer <- delivery{err: &IOError{Err: err}}:
	default:
	}

	select {
	case <-s.clock.After(retry.NextBackOff()):
		return true
	case <-s.tomb.Dying():
		return false
	}
}

func (s *Stream[T]) push(entries []Entry) bool {
	for _, e := range entries {
		select {
		case s.buffer <- delivery{entry: e}:
		case <-s.tomb.Dying():
			return false
		}
	}
	return true
}

// Recv blocks until a message is available. It returns the current message
// again until Ack is called with its id, and nil once the stream is closed.
func (s *Stream[T]) Recv(ctx context.Context) (*Message[T], error) {
	if s.stopped.Load() {
		return nil, nil
	}

	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		s.logger.Debug("re-serving unacknowledged entry", zap.String("id", cur.ID))
		return s.decode(*cur)
	}

	select {
	case d, ok := <-s.buffer:
		if !ok || s.stopped.Load() {
			return nil, nil
		}
		if d.err != nil {
			return nil, d.err
		}
		s.mu.Lock()
		e := d.entry
		s.current = &e
		s.mu.Unlock()
		return s.decode(e)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.tomb.Dying():
		return nil, nil
	}
}

// Ack acknowledges the current message. id must be the id last returned by Recv.
func (s *Stream[T]) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil || cur.ID != id {
		return ErrAckOutOfSequence
	}

	if err := s.broker.Ack(ctx, s.opts.Stream, s.opts.Group, id); err != nil {
		s.opts.Metrics.StreamError(s.opts.Stream, "ack")
		return &IOError{Err: errors.Annotatef(err, "acknowledging %s", id)}
	}

	s.mu.Lock()
	if s.current != nil && s.current.ID == id {
		s.current = nil
	}
	s.mu.Unlock()
	s.opts.Metrics.StreamAck(s.opts.Stream)
	return nil
}

// Close stops buffering. Pending entries stay with the consumer and are
// delivered to its next session.
func (s *Stream[T]) Close() error {
	s.stopped.Store(true)
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// Unsubscribe stops buffering and removes the consumer from the group.
func (s *Stream[T]) Unsubscribe(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := s.broker.DelConsumer(ctx, s.opts.Stream, s.opts.Group, s.opts.Consumer); err != nil {
		return &IOError{Err: err}
	}
	return nil
}

func (s *Stream[T]) decode(e Entry) (*Message[T], error) {
	raw, ok := e.Fields[FieldData]
	if !ok {
		s.opts.Metrics.StreamError(s.opts.Stream, "message")
		return nil, &MessageError{ID: e.ID, Reason: "Missing data"}
	}
	msg := &Message[T]{
		ID:          e.ID,
		TraceParent: e.Fields[FieldTraceParent],
		TraceState:  e.Fields[FieldTraceState],
	}
	if err := json.Unmarshal([]byte(raw), &msg.Data); err != nil {
		s.opts.Metrics.StreamError(s.opts.Stream, "message")
		return nil, &MessageError{ID: e.ID, Reason: fmt.Sprintf("Failed to deserialize data: %v", err)}
	}
	if et, ok := e.Fields[FieldEnqueueTime]; ok {
		v, err := strconv.ParseUint(et, 10, 64)
		if err != nil {
			s.opts.Metrics.StreamError(s.opts.Stream, "message")
			return nil, &MessageError{ID: e.ID, Reason: "Failed to parse enqueue_time"}
		}
		msg.EnqueueTime = v
	}
	return msg, nil
}
