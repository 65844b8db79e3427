package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/invoke"
	"github.com/zoravur/continuum/internal/models"
)

// Actor methods of a resource.
const (
	MethodConfigure   = "configure"
	MethodGetStatus   = "getStatus"
	MethodDeprovision = "deprovision"
)

// KeySpec is the state key holding the configured spec of a resource.
const KeySpec = "spec"

// Kind describes one type of resource.
type Kind[TSpec, TStatus any] struct {
	ActorType string
	// Validate, when set, rejects a spec before it is persisted.
	Validate func(spec TSpec) error
	// Services lists the app ids the resource is made of.
	Services func(id string, spec TSpec) []string
	Status   func(available bool, messages map[string]string) TStatus
}

type Options struct {
	HealthPeriod time.Duration
	// Checkers builds the checker of an app id. Every service is reported
	// online when nil.
	Checkers func(appID string) HealthChecker
}

// HealthCheckers checks GET {app}/healthz.
func HealthCheckers(resolver invoke.Resolver, client *http.Client) func(string) HealthChecker {
	return func(appID string) HealthChecker {
		return HTTPChecker{URL: resolver.Resolve(appID) + "/healthz", Client: client}
	}
}

// Register makes kind addressable on rt.
func Register[TSpec, TStatus any](rt *actor.Runtime, kind Kind[TSpec, TStatus], opts Options) {
	if opts.Checkers == nil {
		opts.Checkers = func(string) HealthChecker { return StaticChecker{} }
	}
	rt.Register(kind.ActorType, func(h *actor.Host) actor.Actor {
		return &ResourceActor[TSpec, TStatus]{
			host:     h,
			kind:     kind,
			opts:     opts,
			children: make(map[string]*ServiceController),
		}
	})
}

// ResourceActor holds the spec of one resource and a controller per
// service of it.
type ResourceActor[TSpec, TStatus any] struct {
	host     *actor.Host
	kind     Kind[TSpec, TStatus]
	opts     Options
	spec     *TSpec
	children map[string]*ServiceController
}

func (r *ResourceActor[TSpec, TStatus]) OnActivate(ctx context.Context) error {
	var spec TSpec
	ok, err := r.host.LoadState(ctx, KeySpec, &spec)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return nil
	}
	r.spec = &spec
	r.reconcile()
	r.host.Logger().Info("resource restored", zap.Int("services", len(r.children)))
	return nil
}

func (r *ResourceActor[TSpec, TStatus]) OnDeactivate(context.Context) error {
	r.stopChildren()
	return nil
}

func (r *ResourceActor[TSpec, TStatus]) Invoke(ctx context.Context, method string, body json.RawMessage) (any, error) {
	switch method {
	case MethodConfigure:
		var req models.ResourceRequest[TSpec]
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errors.NewNotValid(err, "invalid resource spec")
		}
		return nil, r.configure(ctx, req.Spec)
	case MethodGetStatus:
		return r.status()
	case MethodDeprovision:
		return nil, r.deprovision(ctx)
	}
	return nil, errors.NotFoundf("method %q", method)
}

func (r *ResourceActor[TSpec, TStatus]) configure(ctx context.Context, spec TSpec) error {
	if r.kind.Validate != nil {
		if err := r.kind.Validate(spec); err != nil {
			return errors.Trace(err)
		}
	}
	if err := r.host.SaveState(ctx, KeySpec, spec); err != nil {
		return errors.Annotate(err, "persisting resource spec")
	}
	r.spec = &spec
	r.reconcile()
	r.host.Logger().Info("resource configured", zap.Int("services", len(r.children)))
	return nil
}

// reconcile starts controllers for new services, re-checks kept ones and
// stops the ones no longer declared.
func (r *ResourceActor[TSpec, TStatus]) reconcile() {
	want := make(map[string]struct{})
	for _, appID := range r.kind.Services(r.host.ID, *r.spec) {
		want[appID] = struct{}{}
		checker := r.opts.Checkers(appID)
		if c, ok := r.children[appID]; ok {
			c.Update(checker)
			continue
		}
		r.children[appID] = StartServiceController(appID, checker, r.opts.HealthPeriod, r.host.Logger(), r.host.Clock())
	}
	for appID, c := range r.children {
		if _, ok := want[appID]; ok {
			continue
		}
		if err := c.Stop(); err != nil {
			r.host.Logger().Warn("stopping service controller", zap.String("service", appID), zap.Error(err))
		}
		delete(r.children, appID)
	}
}

func (r *ResourceActor[TSpec, TStatus]) status() (TStatus, error) {
	var zero TStatus
	if r.spec == nil {
		return zero, errors.NotFoundf("resource %s", r.host.ID)
	}
	names := make([]string, 0, len(r.children))
	for name := range r.children {
		names = append(names, name)
	}
	sort.Strings(names)

	available := true
	var messages map[string]string
	for _, name := range names {
		st := r.children[name].Status()
		if st.Kind == StatusOnline {
			continue
		}
		available = false
		if messages == nil {
			messages = make(map[string]string)
		}
		messages[name] = st.String()
	}
	return r.kind.Status(available, messages), nil
}

func (r *ResourceActor[TSpec, TStatus]) deprovision(ctx context.Context) error {
	r.stopChildren()
	if r.spec == nil {
		return nil
	}
	if err := r.host.DeleteState(ctx, KeySpec); err != nil {
		return errors.Annotate(err, "removing resource spec")
	}
	r.spec = nil
	r.host.Logger().Info("resource deprovisioned")
	return nil
}

func (r *ResourceActor[TSpec, TStatus]) stopChildren() {
	for name, c := range r.children {
		if err := c.Stop(); err != nil {
			r.host.Logger().Warn("stopping service controller", zap.String("service", name), zap.Error(err))
		}
		delete(r.children, name)
	}
}
