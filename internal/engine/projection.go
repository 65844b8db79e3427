package engine

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/models"
)

// LabelProjection keeps one row per element carrying a subscribed label:
//
//	{"id": elementId, "sourceId": sourceId, "labels": [matched labels], "properties": {...}}
//
// Inserts and updates are idempotent over the element reference. An element
// that loses all of its subscribed labels is deleted. Futures produce nothing.
type LabelProjection struct {
	labels map[string]map[string]struct{}

	mu   sync.Mutex
	rows map[models.ElementReference]map[string]any
}

// NewLabelProjection subscribes to the node and relation labels of every
// subscription of spec, keyed by the subscription's source id.
func NewLabelProjection(spec models.QuerySpec) *LabelProjection {
	labels := make(map[string]map[string]struct{})
	for _, sub := range spec.Sources.Subscriptions {
		set, ok := labels[sub.ID]
		if !ok {
			set = make(map[string]struct{})
			labels[sub.ID] = set
		}
		for _, l := range sub.NodeLabels() {
			set[l] = struct{}{}
		}
		for _, l := range sub.RelationLabels() {
			set[l] = struct{}{}
		}
	}
	return &LabelProjection{
		labels: labels,
		rows:   make(map[models.ElementReference]map[string]any),
	}
}

// ProjectionBuilder builds LabelProjection engines.
var ProjectionBuilder = BuilderFunc(func(_ context.Context, _ string, spec models.QuerySpec, _ FutureQueue) (Engine, error) {
	return NewLabelProjection(spec), nil
})

func (p *LabelProjection) Process(_ context.Context, change models.SourceChange) (Delta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch change.Op {
	case models.OpInsert, models.OpUpdate:
		if change.Element == nil {
			return Delta{}, errors.NotValidf("%s of %s without element", change.Op, change.Reference)
		}
		return p.upsert(*change.Element), nil
	case models.OpDelete:
		return p.remove(change.Reference), nil
	case models.OpFuture:
		return Delta{}, nil
	}
	return Delta{}, errors.NotSupportedf("change op %q", change.Op)
}

func (p *LabelProjection) upsert(el models.Element) Delta {
	matched := p.matching(el.Reference.SourceID, el.Labels)
	if len(matched) == 0 {
		return p.remove(el.Reference)
	}
	props := el.Properties
	if props == nil {
		props = map[string]any{}
	}
	row := map[string]any{
		"id":         el.Reference.ElementID,
		"sourceId":   el.Reference.SourceID,
		"labels":     matched,
		"properties": props,
	}
	old, ok := p.rows[el.Reference]
	p.rows[el.Reference] = row
	switch {
	case !ok:
		return Delta{Added: []map[string]any{row}}
	case reflect.DeepEqual(old, row):
		return Delta{}
	}
	return Delta{Updated: []models.UpdatedResult{{Before: old, After: row}}}
}

func (p *LabelProjection) remove(ref models.ElementReference) Delta {
	old, ok := p.rows[ref]
	if !ok {
		return Delta{}
	}
	delete(p.rows, ref)
	return Delta{Deleted: []map[string]any{old}}
}

func (p *LabelProjection) matching(sourceID string, labels []string) []string {
	set := p.labels[sourceID]
	var out []string
	for _, l := range labels {
		if _, ok := set[l]; ok {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

// Len is the number of result rows.
func (p *LabelProjection) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

func (p *LabelProjection) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = make(map[models.ElementReference]map[string]any)
	return nil
}

func (p *LabelProjection) Close() error { return nil }

func (p *LabelProjection) Volatile() bool { return true }
