package reconciler

import (
	"maps"
	"slices"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/dispatch"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/queryhost"
	"github.com/zoravur/continuum/internal/sourceapi"
)

const (
	SourceActorType         = "SourceResource"
	ReactionActorType       = "ReactionResource"
	QueryContainerActorType = "QueryContainerResource"
)

// ServiceAppID is the app id of a declared service of a source or reaction.
func ServiceAppID(resourceID, service string) string {
	return resourceID + "-" + service
}

// QueryHostAppID is the app id of partition id of a container with count hosts.
func QueryHostAppID(containerID string, id, count uint16) string {
	p := queryhost.PartitionSelector{ID: uint64(id), Count: uint64(count)}
	return containerID + "-query-host" + p.Suffix()
}

// ViewAppID is the app id of the view service of a container.
func ViewAppID(containerID string) string {
	return containerID + "-view-svc"
}

// SourceKind declares the platform services of a source ahead of the ones
// its provider contributes.
func SourceKind() Kind[models.SourceSpec, models.SourceStatus] {
	return Kind[models.SourceSpec, models.SourceStatus]{
		ActorType: SourceActorType,
		Services: func(id string, spec models.SourceSpec) []string {
			out := []string{
				ServiceAppID(id, "change-router"),
				ServiceAppID(id, "change-dispatcher"),
				sourceapi.AppID(id),
			}
			for _, name := range slices.Sorted(maps.Keys(spec.Services)) {
				out = append(out, ServiceAppID(id, name))
			}
			return out
		},
		Status: func(available bool, messages map[string]string) models.SourceStatus {
			return models.SourceStatus{Available: available, Messages: messages}
		},
	}
}

func ReactionKind() Kind[models.ReactionSpec, models.ReactionStatus] {
	return Kind[models.ReactionSpec, models.ReactionStatus]{
		ActorType: ReactionActorType,
		Services: func(id string, spec models.ReactionSpec) []string {
			out := make([]string, 0, len(spec.Services))
			for _, name := range slices.Sorted(maps.Keys(spec.Services)) {
				out = append(out, ServiceAppID(id, name))
			}
			return out
		},
		Status: func(available bool, messages map[string]string) models.ReactionStatus {
			return models.ReactionStatus{Available: available, Messages: messages}
		},
	}
}

// QueryContainerKind declares a query host per partition, the publish-api
// and the view service.
func QueryContainerKind() Kind[models.QueryContainerSpec, models.QueryContainerStatus] {
	return Kind[models.QueryContainerSpec, models.QueryContainerStatus]{
		ActorType: QueryContainerActorType,
		Services: func(id string, spec models.QueryContainerSpec) []string {
			count := spec.QueryHostCount
			if count == 0 {
				count = 1
			}
			out := make([]string, 0, int(count)+2)
			for i := uint16(0); i < count; i++ {
				out = append(out, QueryHostAppID(id, i, count))
			}
			return append(out, dispatch.PublishAPI(id), ViewAppID(id))
		},
		Status: func(available bool, messages map[string]string) models.QueryContainerStatus {
			return models.QueryContainerStatus{Available: available, Messages: messages}
		},
	}
}

// RegisterAll registers the three resource kinds on rt.
func RegisterAll(rt *actor.Runtime, opts Options) {
	Register(rt, SourceKind(), opts)
	Register(rt, ReactionKind(), opts)
	Register(rt, QueryContainerKind(), opts)
}
