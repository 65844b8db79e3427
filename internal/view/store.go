// Package view keeps the materialized result set of a continuous query and
// serves it over HTTP. A view is fed by the query's result stream and keeps
// history according to its retention policy.
package view

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/zoravur/continuum/internal/models"
)

// OpenInterval is the validTo of a row that is part of the current result set.
const OpenInterval int64 = 253402300799999

// Header describes the position of a view. It is the first element of every
// view stream.
type Header struct {
	Sequence  uint64  `json:"sequence"`
	Timestamp uint64  `json:"timestamp"`
	State     *string `json:"state"`
}

// Element is one element of a view stream: a header or a result row.
type Element struct {
	Header *Header
	Data   map[string]any
}

func (e Element) MarshalJSON() ([]byte, error) {
	if e.Header != nil {
		return json.Marshal(map[string]*Header{"header": e.Header})
	}
	return json.Marshal(map[string]map[string]any{"data": e.Data})
}

// Snapshot is a view as of one point in time.
type Snapshot struct {
	Header Header
	Rows   []map[string]any
}

// Elements returns the header followed by the rows.
func (s Snapshot) Elements() []Element {
	out := make([]Element, 0, len(s.Rows)+1)
	h := s.Header
	out = append(out, Element{Header: &h})
	for _, r := range s.Rows {
		out = append(out, Element{Data: r})
	}
	return out
}

// Store records result changes of queries.
type Store interface {
	// InitView creates the view if it does not exist and sets its policy.
	InitView(ctx context.Context, queryID string, policy models.RetentionPolicy) error
	SetRetentionPolicy(ctx context.Context, queryID string, policy models.RetentionPolicy) error
	// RecordChange applies change atomically. Changes with a sequence at or
	// below the view's are ignored.
	RecordChange(ctx context.Context, queryID string, change models.ResultChange) error
	SetState(ctx context.Context, queryID string, seq, ts uint64, state string) error
	// GetView returns the rows valid at timestamp, or now when it is nil.
	GetView(ctx context.Context, queryID string, timestamp *uint64) (Snapshot, error)
	DeleteView(ctx context.Context, queryID string) error
	// Collect removes rows that left the retention window of their view and
	// returns how many.
	Collect(ctx context.Context) (int, error)
}

// RowHash identifies a result row. With grouping keys only those values
// count, so an aggregate keeps its identity when its value changes.
func RowHash(row map[string]any, groupingKeys []string) string {
	v := row
	if len(groupingKeys) > 0 {
		v = make(map[string]any, len(groupingKeys))
		for _, k := range groupingKeys {
			if val, ok := row[k]; ok {
				v[k] = val
			}
		}
	}
	// map keys marshal sorted
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprint(v))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// rowOp is one step of applying a result change.
type rowOp struct {
	close bool
	hash  string
	row   map[string]any
}

// plan flattens a change into closes and upserts in application order:
// deletions, then updates, then additions.
func plan(change models.ResultChange) []rowOp {
	var ops []rowOp
	for _, del := range change.DeletedResults {
		ops = append(ops, rowOp{close: true, hash: RowHash(del, nil)})
	}
	for _, u := range change.UpdatedResults {
		if u.Before != nil {
			ops = append(ops, rowOp{close: true, hash: RowHash(u.Before, u.GroupingKeys)})
		}
		if u.After != nil {
			ops = append(ops, rowOp{hash: RowHash(u.After, u.GroupingKeys), row: u.After})
		}
	}
	for _, add := range change.AddedResults {
		ops = append(ops, rowOp{hash: RowHash(add, nil), row: add})
	}
	return ops
}

// effectiveTime resolves the time a view is read at. Latest views are always
// read at their last change.
func effectiveTime(policy models.RetentionPolicy, metaTs int64, timestamp *uint64, nowMs int64) (int64, bool) {
	at := nowMs
	if timestamp != nil && policy.Kind != models.RetainLatest {
		at = int64(*timestamp)
	}
	if policy.Kind == models.RetainExpire && nowMs-int64(policy.AfterSeconds)*1000 > at {
		return 0, false
	}
	return min(metaTs, at), true
}

// expiryEpoch is the validTo below which rows of an expiring view are removed.
func expiryEpoch(policy models.RetentionPolicy, nowMs int64) (int64, bool) {
	if policy.Kind != models.RetainExpire {
		return 0, false
	}
	return nowMs - int64(policy.AfterSeconds)*1000, true
}

func normalizePolicy(p models.RetentionPolicy) models.RetentionPolicy {
	if p.Kind == "" {
		p.Kind = models.RetainLatest
	}
	return p
}
