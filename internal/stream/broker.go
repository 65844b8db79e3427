package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry fields written by publishers and read by Stream.
const (
	FieldData        = "data"
	FieldEnqueueTime = "enqueue_time"
	FieldTraceParent = "traceparent"
	FieldTraceState  = "tracestate"
)

// Entry is a broker stream entry.
type Entry struct {
	ID     string
	Fields map[string]string
}

// ReadArgs are the arguments of a consumer group read. ID ">" reads entries
// never delivered to the group; any other id reads the consumer's pending
// entries after it. Block is only honoured for ">"; zero returns immediately.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	ID       string
	Count    int64
	Block    time.Duration
}

// Broker is a durable stream store with consumer groups. The canonical
// implementation is Redis streams.
type Broker interface {
	// CreateGroup creates group on stream at start, creating the stream if
	// needed. An existing group is not an error.
	CreateGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	DelConsumer(ctx context.Context, stream, group, consumer string) error
	// Add appends an entry and returns its broker-assigned id.
	Add(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// entryID is a parsed "<ms>-<seq>" stream id.
type entryID struct {
	ms, seq uint64
}

func parseEntryID(s string) (entryID, error) {
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream id %q", s)
	}
	if !found {
		return entryID{ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream id %q", s)
	}
	return entryID{ms: ms, seq: seq}, nil
}

func (id entryID) less(o entryID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}

func (id entryID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}
