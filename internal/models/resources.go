package models

import (
	"encoding/json"
	"fmt"
)

// Resource pairs a persisted spec with its last observed runtime status.
// Status is nil when the owning actor could not be reached.
type Resource[TSpec, TStatus any] struct {
	ID     string   `json:"id"`
	Spec   TSpec    `json:"spec"`
	Status *TStatus `json:"status,omitempty"`
}

// Endpoint is a resolved service endpoint.
type Endpoint struct {
	Setting string `json:"setting"`
	Target  string `json:"target"`
}

// ServiceConfig describes one deployed component of a source or reaction.
type ServiceConfig struct {
	Replica            *string                `json:"replica,omitempty"`
	Image              *string                `json:"image,omitempty"`
	Endpoints          map[string]Endpoint    `json:"endpoints,omitempty"`
	Dapr               map[string]ConfigValue `json:"dapr,omitempty"`
	Properties         map[string]ConfigValue `json:"properties,omitempty"`
	DeprovisionHandler *bool                  `json:"deprovisionHandler,omitempty"`
}

type SourceSpec struct {
	Kind       string                   `json:"kind"`
	Services   map[string]ServiceConfig `json:"services,omitempty"`
	Properties map[string]ConfigValue   `json:"properties,omitempty"`
}

func (s SourceSpec) GetKind() string { return s.Kind }

func (s SourceSpec) GetServices() map[string]ServiceConfig { return s.Services }

func (s SourceSpec) GetProperties() map[string]ConfigValue { return s.Properties }

func (s SourceSpec) WithDefaults(props map[string]ConfigValue, services map[string]ServiceConfig) SourceSpec {
	s.Properties = props
	s.Services = services
	return s
}

type SourceStatus struct {
	Available bool              `json:"available"`
	Messages  map[string]string `json:"messages,omitempty"`
}

type ReactionSpec struct {
	Kind       string                   `json:"kind"`
	Tag        *string                  `json:"tag,omitempty"`
	Services   map[string]ServiceConfig `json:"services,omitempty"`
	Properties map[string]ConfigValue   `json:"properties,omitempty"`
	// Queries maps a query id to an optional per-query label.
	Queries map[string]*string `json:"queries"`
}

func (r ReactionSpec) GetKind() string { return r.Kind }

func (r ReactionSpec) GetServices() map[string]ServiceConfig { return r.Services }

func (r ReactionSpec) GetProperties() map[string]ConfigValue { return r.Properties }

func (r ReactionSpec) WithDefaults(props map[string]ConfigValue, services map[string]ServiceConfig) ReactionSpec {
	r.Properties = props
	r.Services = services
	return r
}

type ReactionStatus struct {
	Available bool              `json:"available"`
	Messages  map[string]string `json:"messages,omitempty"`
}

// StorageKind discriminates StorageSpec variants.
type StorageKind string

const (
	StorageMemory  StorageKind = "memory"
	StorageRedis   StorageKind = "redis"
	StorageRocksDB StorageKind = "rocksDb"
)

// StorageSpec describes an index backend available to queries of a container.
type StorageSpec struct {
	Kind             StorageKind  `json:"kind"`
	EnableArchive    bool         `json:"enableArchive,omitempty"`
	ConnectionString *ConfigValue `json:"connectionString,omitempty"`
	CacheSize        *uint32      `json:"cacheSize,omitempty"`
	StorageClass     *string      `json:"storageClass,omitempty"`
	DirectIO         bool         `json:"directIo,omitempty"`
}

func (s *StorageSpec) UnmarshalJSON(data []byte) error {
	type plain StorageSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Kind {
	case StorageMemory, StorageRocksDB:
	case StorageRedis:
		if p.ConnectionString == nil {
			return fmt.Errorf("redis storage requires connectionString")
		}
	default:
		return fmt.Errorf("unknown storage kind %q", p.Kind)
	}
	*s = StorageSpec(p)
	return nil
}

type QueryContainerSpec struct {
	QueryHostCount uint16                 `json:"queryHostCount"`
	Storage        map[string]StorageSpec `json:"storage"`
	Results        map[string]ConfigValue `json:"results"`
	DefaultStore   string                 `json:"defaultStore"`
}

type QueryContainerStatus struct {
	Available bool              `json:"available"`
	Messages  map[string]string `json:"messages,omitempty"`
}

// QuerySourceLabel is a label a subscription consumes. PartitionKey names the
// property whose value buckets elements across query hosts.
type QuerySourceLabel struct {
	SourceLabel  string  `json:"sourceLabel"`
	PartitionKey *string `json:"partitionKey,omitempty"`
}

type QuerySubscription struct {
	ID        string             `json:"id"`
	Nodes     []QuerySourceLabel `json:"nodes"`
	Relations []QuerySourceLabel `json:"relations"`
	Pipeline  []string           `json:"pipeline"`
}

// NodeLabels returns the node labels of the subscription in declaration order.
func (s QuerySubscription) NodeLabels() []string {
	out := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n.SourceLabel)
	}
	return out
}

func (s QuerySubscription) RelationLabels() []string {
	out := make([]string, 0, len(s.Relations))
	for _, r := range s.Relations {
		out = append(out, r.SourceLabel)
	}
	return out
}

type QueryJoinKey struct {
	Label    string `json:"label"`
	Property string `json:"property"`
}

type QueryJoin struct {
	ID   string         `json:"id"`
	Keys []QueryJoinKey `json:"keys"`
}

type SourceMiddlewareConfig struct {
	Kind   string         `json:"kind"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

type QuerySources struct {
	Subscriptions []QuerySubscription      `json:"subscriptions"`
	Joins         []QueryJoin              `json:"joins"`
	Middleware    []SourceMiddlewareConfig `json:"middleware"`
}

type QueryLanguage string

const (
	QueryLanguageCypher QueryLanguage = "Cypher"
	QueryLanguageGQL    QueryLanguage = "GQL"
)

type QuerySpec struct {
	Container      string         `json:"container"`
	Mode           string         `json:"mode"`
	Query          string         `json:"query"`
	QueryLanguage  *QueryLanguage `json:"queryLanguage,omitempty"`
	Sources        QuerySources   `json:"sources"`
	StorageProfile *string        `json:"storageProfile,omitempty"`
	View           ViewSpec       `json:"view"`
	Transient      *bool          `json:"transient,omitempty"`
}

// IsTransient reports whether the query is an ephemeral (debug) query.
func (q QuerySpec) IsTransient() bool {
	return q.Transient != nil && *q.Transient
}

// QueryStatus is reported by a query actor. Status holds QueryState.String().
type QueryStatus struct {
	HostName     string  `json:"hostName"`
	Status       string  `json:"status"`
	Container    string  `json:"container"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
}

// ResourceRequest is the body of an actor configure call.
type ResourceRequest[TSpec any] struct {
	ID   string `json:"id"`
	Spec TSpec  `json:"spec"`
}
