package view

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/models"
)

type memRow struct {
	hash      string
	result    []byte
	validFrom int64
	validTo   int64
}

type memView struct {
	policy models.RetentionPolicy
	seq    uint64
	ts     int64
	state  *string
	rows   []*memRow
}

// MemoryStore is a Store kept in process.
type MemoryStore struct {
	clock clock.Clock

	mu    sync.Mutex
	views map[string]*memView
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{clock: clk, views: make(map[string]*memView)}
}

func (m *MemoryStore) view(queryID string) (*memView, error) {
	v, ok := m.views[queryID]
	if !ok {
		return nil, errors.NotFoundf("view %q", queryID)
	}
	return v, nil
}

func (m *MemoryStore) InitView(_ context.Context, queryID string, policy models.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.views[queryID]; ok {
		v.policy = normalizePolicy(policy)
		return nil
	}
	m.views[queryID] = &memView{policy: normalizePolicy(policy)}
	return nil
}

func (m *MemoryStore) SetRetentionPolicy(_ context.Context, queryID string, policy models.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.view(queryID)
	if err != nil {
		return err
	}
	v.policy = normalizePolicy(policy)
	return nil
}

func (m *MemoryStore) RecordChange(_ context.Context, queryID string, change models.ResultChange) error {
	ops := plan(change)
	encoded := make([][]byte, len(ops))
	for i, op := range ops {
		if op.close {
			continue
		}
		raw, err := json.Marshal(op.row)
		if err != nil {
			return errors.Annotatef(err, "encoding row of %s", queryID)
		}
		encoded[i] = raw
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.view(queryID)
	if err != nil {
		return err
	}
	if change.Sequence <= v.seq {
		return nil
	}
	ts := int64(change.SourceTimeMs)
	for i, op := range ops {
		open := v.open(op.hash)
		switch {
		case op.close && open >= 0 && v.policy.Kind == models.RetainLatest:
			v.rows = append(v.rows[:open], v.rows[open+1:]...)
		case op.close && open >= 0:
			v.rows[open].validTo = ts - 1
		case op.close:
		case open >= 0:
			v.rows[open] = &memRow{hash: op.hash, result: encoded[i], validFrom: ts, validTo: OpenInterval}
		default:
			v.rows = append(v.rows, &memRow{hash: op.hash, result: encoded[i], validFrom: ts, validTo: OpenInterval})
		}
	}
	v.seq, v.ts = change.Sequence, ts
	return nil
}

func (v *memView) open(hash string) int {
	for i, r := range v.rows {
		if r.hash == hash && r.validTo == OpenInterval {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) SetState(_ context.Context, queryID string, seq, ts uint64, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.view(queryID)
	if err != nil {
		return err
	}
	v.seq, v.ts, v.state = seq, int64(ts), nil
	if state != "" {
		v.state = &state
	}
	return nil
}

func (m *MemoryStore) GetView(_ context.Context, queryID string, timestamp *uint64) (Snapshot, error) {
	now := m.clock.Now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.view(queryID)
	if err != nil {
		return Snapshot{}, err
	}
	at, ok := effectiveTime(v.policy, v.ts, timestamp, now)
	if !ok {
		return Snapshot{}, errors.NotFoundf("view %q at %d", queryID, *timestamp)
	}

	snap := Snapshot{Header: Header{Sequence: v.seq, Timestamp: uint64(v.ts), State: v.state}}
	var rows []*memRow
	for _, r := range v.rows {
		if r.validFrom <= at && r.validTo >= at {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].validFrom != rows[j].validFrom {
			return rows[i].validFrom < rows[j].validFrom
		}
		return rows[i].hash < rows[j].hash
	})
	for _, r := range rows {
		var out map[string]any
		if err := json.Unmarshal(r.result, &out); err != nil {
			return Snapshot{}, errors.Annotatef(err, "decoding row of %s", queryID)
		}
		snap.Rows = append(snap.Rows, out)
	}
	return snap, nil
}

func (m *MemoryStore) DeleteView(_ context.Context, queryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, queryID)
	return nil
}

func (m *MemoryStore) Collect(context.Context) (int, error) {
	now := m.clock.Now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for _, v := range m.views {
		epoch, ok := expiryEpoch(v.policy, now)
		if !ok {
			continue
		}
		kept := v.rows[:0]
		for _, r := range v.rows {
			if r.validTo < epoch {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		v.rows = kept
	}
	return removed, nil
}
