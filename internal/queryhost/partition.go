package queryhost

import (
	"encoding/json"
	"fmt"

	"github.com/dgryski/go-spooky"

	"github.com/zoravur/continuum/internal/models"
)

// PartitionSelector decides whether an element belongs to partition ID of
// Count. Elements are bucketed by the value of the partition key declared
// for their label. Anything the rule cannot classify is included; the engine
// de-duplicates by element reference.
type PartitionSelector struct {
	ID    uint64
	Count uint64
}

// Single is the selector of an unpartitioned container.
var Single = PartitionSelector{ID: 0, Count: 1}

func (p PartitionSelector) Partitioned() bool {
	return p.Count > 1
}

// Suffix distinguishes per-partition names. It is empty for a single partition.
func (p PartitionSelector) Suffix() string {
	if !p.Partitioned() {
		return ""
	}
	return fmt.Sprintf("-p%d", p.ID)
}

// Bucket maps v to a partition in [0, count). Values hash by their JSON
// encoding, whose object keys are sorted.
func Bucket(v any, count uint64) uint64 {
	if count <= 1 {
		return 0
	}
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprint(v))
	}
	return spooky.Hash64(raw) % count
}

// Include applies the rule to a change event of the subscription's source.
func (p PartitionSelector) Include(evt models.ChangeEvent, sub models.QuerySubscription) bool {
	if !p.Partitioned() {
		return true
	}
	var payload *models.ChangePayload
	switch evt.Op {
	case models.OpInsert, models.OpUpdate:
		payload = evt.After
	case models.OpDelete:
		payload = evt.Before
	default:
		return true
	}
	if payload == nil || payload.Labels == nil || payload.Properties == nil || evt.ElementType == nil {
		return true
	}
	return p.match(*evt.ElementType, payload.Labels, payload.Properties, sub)
}

// IncludeElement applies the rule to a bootstrap element.
func (p PartitionSelector) IncludeElement(el models.BootstrapElement, sub models.QuerySubscription) bool {
	if !p.Partitioned() {
		return true
	}
	if el.Labels == nil || el.Properties == nil {
		return true
	}
	return p.match(el.Kind(), el.Labels, el.Properties, sub)
}

func (p PartitionSelector) match(kind models.ElementKind, labels []string, props map[string]any, sub models.QuerySubscription) bool {
	declared := sub.Nodes
	if kind == models.KindRelation {
		declared = sub.Relations
	}
	for _, d := range declared {
		if !contains(labels, d.SourceLabel) {
			continue
		}
		if d.PartitionKey == nil {
			return true
		}
		v, ok := props[*d.PartitionKey]
		if !ok {
			return true
		}
		if Bucket(v, p.Count) == p.ID {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
