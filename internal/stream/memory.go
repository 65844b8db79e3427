package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// MemoryBroker is an in-process Broker with Redis consumer group semantics:
// per-group delivery cursor, per-consumer pending entry lists, blocking reads.
type MemoryBroker struct {
	clock clock.Clock

	mu      sync.Mutex
	streams map[string]*memStream
	last    entryID
	notify  chan struct{}
}

type memStream struct {
	entries []Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	delivered entryID
	pending   map[string][]entryID
}

func NewMemoryBroker(clk clock.Clock) *MemoryBroker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryBroker{
		clock:   clk,
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
	}
}

func (b *MemoryBroker) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

func (b *MemoryBroker) CreateGroup(_ context.Context, stream, group, start string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	var from entryID
	switch start {
	case "$":
		if n := len(s.entries); n > 0 {
			from, _ = parseEntryID(s.entries[n-1].ID)
		}
	case "0", "0-0":
	default:
		id, err := parseEntryID(start)
		if err != nil {
			return errors.Trace(err)
		}
		from = id
	}
	s.groups[group] = &memGroup{delivered: from, pending: make(map[string][]entryID)}
	return nil
}

func (b *MemoryBroker) ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error) {
	for {
		b.mu.Lock()
		s, ok := b.streams[args.Stream]
		if !ok {
			b.mu.Unlock()
			return nil, errors.NotFoundf("stream %q", args.Stream)
		}
		g, ok := s.groups[args.Group]
		if !ok {
			b.mu.Unlock()
			return nil, errors.NotFoundf("group %q on stream %q", args.Group, args.Stream)
		}

		if args.ID != ">" {
			out, err := s.readPending(g, args)
			b.mu.Unlock()
			return out, err
		}

		out := s.readNew(g, args)
		if len(out) > 0 || args.Block <= 0 {
			b.mu.Unlock()
			return out, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-b.clock.After(args.Block):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memStream) readNew(g *memGroup, args ReadArgs) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if args.Count > 0 && int64(len(out)) >= args.Count {
			break
		}
		id, _ := parseEntryID(e.ID)
		if !g.delivered.less(id) {
			continue
		}
		out = append(out, copyEntry(e))
		g.delivered = id
		g.pending[args.Consumer] = append(g.pending[args.Consumer], id)
	}
	return out
}

func (s *memStream) readPending(g *memGroup, args ReadArgs) ([]Entry, error) {
	after, err := parseEntryID(args.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []Entry
	for _, id := range g.pending[args.Consumer] {
		if args.Count > 0 && int64(len(out)) >= args.Count {
			break
		}
		if !after.less(id) {
			continue
		}
		out = append(out, s.lookup(id))
	}
	return out, nil
}

// lookup returns the entry with id, or an entry without fields if it was deleted.
func (s *memStream) lookup(id entryID) Entry {
	key := id.String()
	i := sort.Search(len(s.entries), func(i int) bool {
		eid, _ := parseEntryID(s.entries[i].ID)
		return !eid.less(id)
	})
	if i < len(s.entries) && s.entries[i].ID == key {
		return copyEntry(s.entries[i])
	}
	return Entry{ID: key}
}

func (b *MemoryBroker) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	acked := make(map[entryID]bool, len(ids))
	for _, raw := range ids {
		id, err := parseEntryID(raw)
		if err != nil {
			return errors.Trace(err)
		}
		acked[id] = true
	}
	for consumer, pending := range g.pending {
		kept := pending[:0]
		for _, id := range pending {
			if !acked[id] {
				kept = append(kept, id)
			}
		}
		g.pending[consumer] = kept
	}
	return nil
}

func (b *MemoryBroker) DelConsumer(_ context.Context, stream, group, consumer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			delete(g.pending, consumer)
		}
	}
	return nil
}

func (b *MemoryBroker) Add(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ms := uint64(b.clock.Now().UnixMilli())
	id := entryID{ms: ms}
	if !b.last.less(id) {
		id = entryID{ms: b.last.ms, seq: b.last.seq + 1}
	}
	b.last = id

	s := b.stream(stream)
	s.entries = append(s.entries, copyEntry(Entry{ID: id.String(), Fields: fields}))

	close(b.notify)
	b.notify = make(chan struct{})
	return id.String(), nil
}

// Pending returns the pending entry ids of consumer, oldest first.
func (b *MemoryBroker) Pending(stream, group, consumer string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	var out []string
	for _, id := range g.pending[consumer] {
		out = append(out, id.String())
	}
	return out
}

// Entries returns a copy of every entry of stream.
func (b *MemoryBroker) Entries(stream string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	return out
}

// WaitForEntries blocks until stream holds at least n entries or timeout passes.
func (b *MemoryBroker) WaitForEntries(stream string, n int, timeout time.Duration) []Entry {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		var count int
		if s, ok := b.streams[stream]; ok {
			count = len(s.entries)
		}
		wait := b.notify
		b.mu.Unlock()

		if count >= n || !time.Now().Before(deadline) {
			return b.Entries(stream)
		}
		select {
		case <-wait:
		case <-time.After(time.Until(deadline)):
		}
	}
}

func copyEntry(e Entry) Entry {
	if e.Fields == nil {
		return Entry{ID: e.ID}
	}
	fields := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return Entry{ID: e.ID, Fields: fields}
}
