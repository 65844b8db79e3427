package models

import (
	"encoding/json"
	"strings"
)

const (
	// SubscriptionDB and SubscriptionTable mark a source change entry as a
	// subscription control event rather than data.
	SubscriptionDB    = "Drasi"
	SubscriptionTable = "SourceSubscription"
)

// ChangeSource is the provenance block of a source change message.
type ChangeSource struct {
	DB    string `json:"db"`
	Table string `json:"table"`
	LSN   uint64 `json:"lsn"`
	TsMs  uint64 `json:"ts_ms"`
}

// SourceChangePayload carries raw before/after images. For data changes these
// decode into ChangePayload, for control events into SubscriptionRequest.
type SourceChangePayload struct {
	Source ChangeSource    `json:"source"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// SourceChangeMessage is one element of a source change topic entry. Entries
// carry a JSON array of these.
type SourceChangeMessage struct {
	Op      Op                  `json:"op"`
	TsMs    uint64              `json:"ts_ms,omitempty"`
	TsNs    uint64              `json:"ts_ns,omitempty"`
	Payload SourceChangePayload `json:"payload"`
}

// IsSubscription reports whether the message is a subscription control event.
func (m SourceChangeMessage) IsSubscription() bool {
	return m.Payload.Source.DB == SubscriptionDB && m.Payload.Source.Table == SubscriptionTable
}

// Image returns the element image relevant to the op.
func (m SourceChangeMessage) Image() json.RawMessage {
	if m.Op == OpDelete {
		return m.Payload.Before
	}
	return m.Payload.After
}

// Labels extracts the labels of the relevant image. Unparseable images have no labels.
func (m SourceChangeMessage) Labels() []string {
	raw := m.Image()
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var p struct {
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return p.Labels
}

// ElementType maps the table of a data change to an element kind.
func (m SourceChangeMessage) ElementType() ElementKind {
	if strings.EqualFold(m.Payload.Source.Table, string(KindRelation)) {
		return KindRelation
	}
	return KindNode
}

// Subscription is a (queryNodeId, queryId) pair interested in a label.
type Subscription struct {
	QueryNodeID string `json:"queryNodeId"`
	QueryID     string `json:"queryId"`
}

// SubscriptionRequest is sent by a query host to a source to begin a subscription.
type SubscriptionRequest struct {
	QueryNodeID string   `json:"queryNodeId"`
	QueryID     string   `json:"queryId"`
	NodeLabels  []string `json:"nodeLabels"`
	RelLabels   []string `json:"relLabels"`
}

// DispatchTime orders a dispatched change. Ms is the source time in milliseconds.
type DispatchTime struct {
	Seq uint64 `json:"seq"`
	Ms  uint64 `json:"ms"`
}

// DispatchEvent is a routed source change bound for the subscribed query nodes.
type DispatchEvent struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"sourceId"`
	Op            Op              `json:"type"`
	ElementType   ElementKind     `json:"elementType"`
	Subscriptions []Subscription  `json:"subscriptions"`
	Time          DispatchTime    `json:"time"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// BootstrapElement is one line of a bootstrap NDJSON stream. StartID and EndID
// are set for relations.
type BootstrapElement struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	StartID    *string        `json:"startId,omitempty"`
	EndID      *string        `json:"endId,omitempty"`
}

func (b BootstrapElement) Kind() ElementKind {
	if b.StartID != nil && b.EndID != nil {
		return KindRelation
	}
	return KindNode
}

// ToElement builds the element for sourceID with effective time ts.
func (b BootstrapElement) ToElement(sourceID string, ts uint64) Element {
	el := Element{
		Kind:          b.Kind(),
		Reference:     ElementReference{SourceID: sourceID, ElementID: b.ID},
		Labels:        b.Labels,
		Properties:    b.Properties,
		EffectiveFrom: ts,
	}
	if el.Labels == nil {
		el.Labels = []string{}
	}
	if el.Properties == nil {
		el.Properties = map[string]any{}
	}
	if el.Kind == KindRelation {
		el.StartID, el.EndID = *b.StartID, *b.EndID
	}
	return el
}

// TrackingSource returns metadata.tracking.source, creating the path as needed.
func TrackingSource(metadata map[string]any) map[string]any {
	return trackingSection(metadata, "source")
}

// TrackingQuery returns metadata.tracking.query, creating the path as needed.
func TrackingQuery(metadata map[string]any) map[string]any {
	return trackingSection(metadata, "query")
}

func trackingSection(metadata map[string]any, name string) map[string]any {
	tracking, ok := metadata["tracking"].(map[string]any)
	if !ok {
		tracking = map[string]any{}
		metadata["tracking"] = tracking
	}
	section, ok := tracking[name].(map[string]any)
	if !ok {
		section = map[string]any{}
		tracking[name] = section
	}
	return section
}
