package models

import (
	"encoding/json"
	"fmt"
)

// ControlSignal marks a lifecycle transition on a query's result stream.
type ControlSignal string

const (
	SignalBootstrapStarted   ControlSignal = "bootstrapStarted"
	SignalBootstrapCompleted ControlSignal = "bootstrapCompleted"
	SignalRunning            ControlSignal = "running"
	SignalStopped            ControlSignal = "stopped"
	SignalQueryDeleted       ControlSignal = "deleted"
)

// Display is the label recorded as view state for the signal.
func (s ControlSignal) Display() string {
	switch s {
	case SignalBootstrapStarted:
		return "bootstrapping"
	case SignalBootstrapCompleted:
		return "bootstrap complete"
	case SignalRunning:
		return "running"
	case SignalStopped:
		return "stopped"
	case SignalQueryDeleted:
		return "deleted"
	}
	return string(s)
}

// EndsDebugStream reports whether a debug session stops after this signal.
func (s ControlSignal) EndsDebugStream() bool {
	return s == SignalBootstrapCompleted || s == SignalStopped || s == SignalQueryDeleted
}

type controlSignalWire struct {
	Kind ControlSignal `json:"kind"`
}

// UpdatedResult is a row that changed. GroupingKeys is set for aggregations.
type UpdatedResult struct {
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	GroupingKeys []string       `json:"grouping_keys,omitempty"`
}

// ResultChange is the payload of a change result event.
type ResultChange struct {
	QueryID        string           `json:"queryId"`
	Sequence       uint64           `json:"sequence"`
	SourceTimeMs   uint64           `json:"sourceTimeMs"`
	AddedResults   []map[string]any `json:"addedResults"`
	UpdatedResults []UpdatedResult  `json:"updatedResults"`
	DeletedResults []map[string]any `json:"deletedResults"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// ResultControl is the payload of a control result event.
type ResultControl struct {
	QueryID       string         `json:"queryId"`
	Sequence      uint64         `json:"sequence"`
	SourceTimeMs  uint64         `json:"sourceTimeMs"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ControlSignal ControlSignal  `json:"-"`
}

// ResultEvent is a tagged union of change and control events. Exactly one of
// Change and Control is set.
type ResultEvent struct {
	Change  *ResultChange
	Control *ResultControl
}

func NewChangeEvent(c ResultChange) ResultEvent {
	return ResultEvent{Change: &c}
}

func NewControlEvent(queryID string, seq, ts uint64, signal ControlSignal) ResultEvent {
	return ResultEvent{Control: &ResultControl{
		QueryID:       queryID,
		Sequence:      seq,
		SourceTimeMs:  ts,
		ControlSignal: signal,
	}}
}

func (e ResultEvent) QueryID() string {
	if e.Change != nil {
		return e.Change.QueryID
	}
	if e.Control != nil {
		return e.Control.QueryID
	}
	return ""
}

func (e ResultEvent) Sequence() uint64 {
	if e.Change != nil {
		return e.Change.Sequence
	}
	if e.Control != nil {
		return e.Control.Sequence
	}
	return 0
}

func (e ResultEvent) SourceTimeMs() uint64 {
	if e.Change != nil {
		return e.Change.SourceTimeMs
	}
	if e.Control != nil {
		return e.Control.SourceTimeMs
	}
	return 0
}

type resultChangeWire struct {
	Kind string `json:"kind"`
	ResultChange
}

type resultControlWire struct {
	Kind          string            `json:"kind"`
	QueryID       string            `json:"queryId"`
	Sequence      uint64            `json:"sequence"`
	SourceTimeMs  uint64            `json:"sourceTimeMs"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	ControlSignal controlSignalWire `json:"controlSignal"`
}

func (e ResultEvent) MarshalJSON() ([]byte, error) {
	switch {
	case e.Change != nil:
		c := *e.Change
		if c.AddedResults == nil {
			c.AddedResults = []map[string]any{}
		}
		if c.UpdatedResults == nil {
			c.UpdatedResults = []UpdatedResult{}
		}
		if c.DeletedResults == nil {
			c.DeletedResults = []map[string]any{}
		}
		return json.Marshal(resultChangeWire{Kind: "change", ResultChange: c})
	case e.Control != nil:
		return json.Marshal(resultControlWire{
			Kind:          "control",
			QueryID:       e.Control.QueryID,
			Sequence:      e.Control.Sequence,
			SourceTimeMs:  e.Control.SourceTimeMs,
			Metadata:      e.Control.Metadata,
			ControlSignal: controlSignalWire{Kind: e.Control.ControlSignal},
		})
	}
	return nil, fmt.Errorf("empty result event")
}

func (e *ResultEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Kind {
	case "change":
		var w resultChangeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		c := w.ResultChange
		*e = ResultEvent{Change: &c}
	case "control":
		var w resultControlWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		*e = ResultEvent{Control: &ResultControl{
			QueryID:       w.QueryID,
			Sequence:      w.Sequence,
			SourceTimeMs:  w.SourceTimeMs,
			Metadata:      w.Metadata,
			ControlSignal: w.ControlSignal.Kind,
		}}
	default:
		return fmt.Errorf("unknown result event kind %q", head.Kind)
	}
	return nil
}

// RetentionKind discriminates retention policies.
type RetentionKind string

const (
	RetainLatest RetentionKind = "latest"
	RetainExpire RetentionKind = "expire"
	RetainAll    RetentionKind = "all"
)

// RetentionPolicy controls how much history a view keeps.
type RetentionPolicy struct {
	Kind         RetentionKind
	AfterSeconds uint64
}

func (p RetentionPolicy) String() string {
	if p.Kind == RetainExpire {
		return fmt.Sprintf("expire(%ds)", p.AfterSeconds)
	}
	return string(p.Kind)
}

func (p RetentionPolicy) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case RetainLatest, RetainAll:
		return json.Marshal(string(p.Kind))
	case RetainExpire:
		return json.Marshal(map[string]map[string]uint64{
			"expire": {"afterSeconds": p.AfterSeconds},
		})
	case "":
		return json.Marshal(string(RetainLatest))
	}
	return nil, fmt.Errorf("unknown retention policy %q", p.Kind)
}

func (p *RetentionPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch RetentionKind(s) {
		case RetainLatest, RetainAll:
			*p = RetentionPolicy{Kind: RetentionKind(s)}
			return nil
		}
		return fmt.Errorf("unknown retention policy %q", s)
	}
	var obj map[string]struct {
		AfterSeconds uint64 `json:"afterSeconds"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	exp, ok := obj["expire"]
	if !ok || len(obj) != 1 {
		return fmt.Errorf("unknown retention policy %s", string(data))
	}
	*p = RetentionPolicy{Kind: RetainExpire, AfterSeconds: exp.AfterSeconds}
	return nil
}

type ViewSpec struct {
	Enabled         bool            `json:"enabled"`
	RetentionPolicy RetentionPolicy `json:"retentionPolicy"`
}
