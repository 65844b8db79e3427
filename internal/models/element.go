package models

import (
	"fmt"

	"github.com/juju/errors"
)

// ElementReference identifies an element within a source.
type ElementReference struct {
	SourceID  string `json:"sourceId"`
	ElementID string `json:"elementId"`
}

func (r ElementReference) String() string {
	return r.SourceID + ":" + r.ElementID
}

// ElementKind discriminates nodes from relations.
type ElementKind string

const (
	KindNode     ElementKind = "node"
	KindRelation ElementKind = "rel"
)

// Element is a graph atom. StartID and EndID are only set for relations.
type Element struct {
	Kind       ElementKind      `json:"kind"`
	Reference  ElementReference `json:"reference"`
	Labels     []string         `json:"labels"`
	Properties map[string]any   `json:"properties"`
	StartID    string           `json:"startId,omitempty"`
	EndID      string           `json:"endId,omitempty"`
	// EffectiveFrom is the source time of the element version, in milliseconds.
	EffectiveFrom uint64 `json:"effectiveFrom"`
}

// Op is the kind of change applied to an element.
type Op string

const (
	OpInsert Op = "i"
	OpUpdate Op = "u"
	OpDelete Op = "d"
	OpFuture Op = "f"
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	case OpFuture:
		return "Future"
	}
	return string(o)
}

// FutureRef is a scheduled re-evaluation requested by the engine.
type FutureRef struct {
	Reference      ElementReference `json:"reference"`
	OriginalTime   uint64           `json:"originalTime"`
	DueTime        uint64           `json:"dueTime"`
	GroupSignature uint64           `json:"groupSignature"`
}

// SourceChange is the engine's input. Element is set for Insert and Update,
// Reference and Labels for Delete, Future for Future.
type SourceChange struct {
	Op        Op               `json:"op"`
	Element   *Element         `json:"element,omitempty"`
	Reference ElementReference `json:"reference"`
	Labels    []string         `json:"labels,omitempty"`
	Future    *FutureRef       `json:"future,omitempty"`
	TimeMs    uint64           `json:"timeMs"`
	Sequence  uint64           `json:"sequence"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// ChangeTime orders a change inside its source.
type ChangeTime struct {
	Seq uint64 `json:"seq"`
	Ns  uint64 `json:"ns"`
}

// ChangePayload is the element image carried by change events.
type ChangePayload struct {
	ID         *string        `json:"id,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	StartID    *string        `json:"startId,omitempty"`
	EndID      *string        `json:"endId,omitempty"`
}

// ChangeEvent is an entry of a query container's publish stream.
type ChangeEvent struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"sourceId"`
	Time            ChangeTime     `json:"time"`
	Queries         []string       `json:"queries"`
	Op              Op             `json:"type"`
	ElementType     *ElementKind   `json:"elementType,omitempty"`
	Before          *ChangePayload `json:"before,omitempty"`
	After           *ChangePayload `json:"after,omitempty"`
	FutureDueTime   *uint64        `json:"futureDueTime,omitempty"`
	FutureSignature *uint64        `json:"futureSignature,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (e ChangeEvent) HasQuery(queryID string) bool {
	for _, q := range e.Queries {
		if q == queryID {
			return true
		}
	}
	return false
}

// Payload returns the element image relevant to the operation: after for
// inserts and updates, before for deletes.
func (e ChangeEvent) Payload() *ChangePayload {
	switch e.Op {
	case OpInsert, OpUpdate:
		return e.After
	case OpDelete:
		return e.Before
	}
	return nil
}

// FutureChangeEvent wraps a due future so it can re-enter the host's input stream.
func FutureChangeEvent(ref FutureRef, queryID string) ChangeEvent {
	due, sig := ref.DueTime, ref.GroupSignature
	return ChangeEvent{
		ID:              ref.Reference.ElementID,
		SourceID:        ref.Reference.SourceID,
		Time:            ChangeTime{Ns: ref.OriginalTime},
		Queries:         []string{queryID},
		Op:              OpFuture,
		FutureDueTime:   &due,
		FutureSignature: &sig,
	}
}

// ToSourceChange converts the wire event into engine input. Invalid events
// return a NotValid error.
func (e ChangeEvent) ToSourceChange() (SourceChange, error) {
	out := SourceChange{
		Op:       e.Op,
		TimeMs:   e.Time.Ns,
		Sequence: e.Time.Seq,
		Metadata: e.Metadata,
	}
	switch e.Op {
	case OpInsert, OpUpdate:
		if e.After == nil {
			return out, errors.NotValidf("change %s: missing after payload", e.ID)
		}
		if e.ElementType == nil {
			return out, errors.NotValidf("change %s: missing element type", e.ID)
		}
		el, err := e.After.ToElement(e.SourceID, *e.ElementType, e.Time.Ns)
		if err != nil {
			return out, errors.Trace(err)
		}
		out.Element = &el
		out.Reference = el.Reference
		out.Labels = el.Labels
	case OpDelete:
		if e.Before == nil || e.Before.ID == nil {
			return out, errors.NotValidf("change %s: missing before payload", e.ID)
		}
		out.Reference = ElementReference{SourceID: e.SourceID, ElementID: *e.Before.ID}
		out.Labels = e.Before.Labels
	case OpFuture:
		if e.FutureDueTime == nil || e.FutureSignature == nil {
			return out, errors.NotValidf("change %s: incomplete future", e.ID)
		}
		ref := ElementReference{SourceID: e.SourceID, ElementID: e.ID}
		out.Reference = ref
		out.Future = &FutureRef{
			Reference:      ref,
			OriginalTime:   e.Time.Ns,
			DueTime:        *e.FutureDueTime,
			GroupSignature: *e.FutureSignature,
		}
	default:
		return out, errors.NotValidf("change %s: op %q", e.ID, e.Op)
	}
	return out, nil
}

// ToElement builds an element from a payload.
func (p ChangePayload) ToElement(sourceID string, kind ElementKind, ts uint64) (Element, error) {
	if p.ID == nil {
		return Element{}, errors.NotValidf("payload missing id")
	}
	el := Element{
		Kind:          kind,
		Reference:     ElementReference{SourceID: sourceID, ElementID: *p.ID},
		Labels:        p.Labels,
		Properties:    p.Properties,
		EffectiveFrom: ts,
	}
	if el.Labels == nil {
		el.Labels = []string{}
	}
	if el.Properties == nil {
		el.Properties = map[string]any{}
	}
	switch kind {
	case KindNode:
	case KindRelation:
		if p.StartID == nil {
			return Element{}, errors.NotValidf("relation %s missing start id", *p.ID)
		}
		if p.EndID == nil {
			return Element{}, errors.NotValidf("relation %s missing end id", *p.ID)
		}
		el.StartID, el.EndID = *p.StartID, *p.EndID
	default:
		return Element{}, fmt.Errorf("unknown element type %q", kind)
	}
	return el, nil
}
