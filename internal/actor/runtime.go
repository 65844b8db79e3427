package actor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// ErrDeactivated is returned to callers whose request raced a deactivation.
const ErrDeactivated = errors.ConstError("actor deactivated")

// Actor is an addressable object. Calls on one actor are serialized.
type Actor interface {
	Invoke(ctx context.Context, method string, body json.RawMessage) (any, error)
}

// Activator is implemented by actors that load state when first addressed.
type Activator interface {
	OnActivate(ctx context.Context) error
}

// Deactivator is implemented by actors that release resources on shutdown.
type Deactivator interface {
	OnDeactivate(ctx context.Context) error
}

// ReminderReceiver is implemented by actors that register reminders.
type ReminderReceiver interface {
	OnReminder(ctx context.Context, name string) error
}

// Factory builds the actor for an id. The host gives access to state and reminders.
type Factory func(h *Host) Actor

type Config struct {
	State  StateStore
	Clock  clock.Clock
	Logger *zap.Logger
}

// Runtime hosts actors in process: one instance and one mailbox goroutine per
// (type, id).
type Runtime struct {
	state  StateStore
	clock  clock.Clock
	logger *zap.Logger

	factories *xsync.MapOf[string, Factory]
	actors    *xsync.MapOf[string, *instance]
}

func NewRuntime(cfg Config) *Runtime {
	if cfg.State == nil {
		cfg.State = NewMemoryStateStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	return &Runtime{
		state:     cfg.State,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("actors"),
		factories: xsync.NewMapOf[string, Factory](),
		actors:    xsync.NewMapOf[string, *instance](),
	}
}

// Register makes actorType addressable on this runtime.
func (rt *Runtime) Register(actorType string, f Factory) {
	rt.factories.Store(actorType, f)
}

// Hosts reports whether actorType is registered locally.
func (rt *Runtime) Hosts(actorType string) bool {
	_, ok := rt.factories.Load(actorType)
	return ok
}

// Types lists the registered actor types.
func (rt *Runtime) Types() []string {
	var out []string
	rt.factories.Range(func(k string, _ Factory) bool {
		out = append(out, k)
		return true
	})
	return out
}

func instanceKey(actorType, id string) string {
	return actorType + "||" + id
}

func (rt *Runtime) instance(actorType, id string) (*instance, error) {
	f, ok := rt.factories.Load(actorType)
	if !ok {
		return nil, errors.NotFoundf("actor type %q", actorType)
	}
	inst, _ := rt.actors.LoadOrCompute(instanceKey(actorType, id), func() *instance {
		return rt.start(actorType, id, f)
	})
	return inst, nil
}

// Call invokes method on the actor, activating it if needed. The result is
// JSON encoded. A caller deadline that expires yields errors.Timeout.
func (rt *Runtime) Call(ctx context.Context, actorType, id, method string, body json.RawMessage) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		inst, err := rt.instance(actorType, id)
		if err != nil {
			return nil, err
		}
		val, err := inst.call(ctx, request{method: method, body: body})
		if errors.Is(err, ErrDeactivated) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, nil
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding reply of %s/%s.%s", actorType, id, method)
		}
		return raw, nil
	}
}

// Activate addresses the actor so it runs its activation hook.
func (rt *Runtime) Activate(actorType, id string) error {
	_, err := rt.instance(actorType, id)
	return err
}

// ActivateAll activates every actor of actorType holding the state key.
func (rt *Runtime) ActivateAll(ctx context.Context, actorType, key string) error {
	ids, err := rt.state.IDs(ctx, actorType, key)
	if err != nil {
		return errors.Trace(err)
	}
	for _, id := range ids {
		if err := rt.Activate(actorType, id); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Deactivate stops the actor, running its deactivation hook.
func (rt *Runtime) Deactivate(actorType, id string) error {
	inst, ok := rt.actors.LoadAndDelete(instanceKey(actorType, id))
	if !ok {
		return nil
	}
	inst.tomb.Kill(nil)
	return inst.tomb.Wait()
}

// Stop deactivates every active actor.
func (rt *Runtime) Stop() {
	var wg sync.WaitGroup
	rt.actors.Range(func(_ string, inst *instance) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Deactivate(inst.host.Type, inst.host.ID); err != nil {
				rt.logger.Error("deactivating actor", zap.String("type", inst.host.Type),
					zap.String("id", inst.host.ID), zap.Error(err))
			}
		}()
		return true
	})
	wg.Wait()
}

type request struct {
	ctx      context.Context
	method   string
	body     json.RawMessage
	reminder string
	reply    chan response
}

type response struct {
	val any
	err error
}

type instance struct {
	host    *Host
	actor   Actor
	logger  *zap.Logger
	mailbox chan request
	tomb    tomb.Tomb

	mu        sync.Mutex
	reminders map[string]chan struct{}
}

func (rt *Runtime) start(actorType, id string, f Factory) *instance {
	inst := &instance{
		logger:    rt.logger.With(zap.String("actor_type", actorType), zap.String("actor_id", id)),
		mailbox:   make(chan request),
		reminders: make(map[string]chan struct{}),
	}
	inst.host = &Host{Type: actorType, ID: id, rt: rt, inst: inst}
	inst.actor = f(inst.host)
	inst.tomb.Go(inst.loop)
	return inst
}

func (i *instance) loop() error {
	ctx := i.tomb.Context(nil)
	if a, ok := i.actor.(Activator); ok {
		if err := a.OnActivate(ctx); err != nil {
			i.logger.Error("actor activation failed", zap.Error(err))
		}
	}
	i.logger.Debug("actor activated")

	for {
		select {
		case <-i.tomb.Dying():
			if d, ok := i.actor.(Deactivator); ok {
				dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := d.OnDeactivate(dctx)
				cancel()
				if err != nil {
					i.logger.Error("actor deactivation failed", zap.Error(err))
				}
			}
			i.logger.Debug("actor deactivated")
			return nil
		case req := <-i.mailbox:
			i.handle(ctx, req)
		}
	}
}

func (i *instance) handle(ctx context.Context, req request) {
	if req.reminder != "" {
		if r, ok := i.actor.(ReminderReceiver); ok {
			if err := r.OnReminder(ctx, req.reminder); err != nil {
				i.logger.Error("reminder failed", zap.String("reminder", req.reminder), zap.Error(err))
			}
		}
		return
	}
	if req.ctx.Err() != nil {
		req.reply <- response{err: req.ctx.Err()}
		return
	}
	val, err := i.actor.Invoke(req.ctx, req.method, req.body)
	req.reply <- response{val: val, err: err}
}

func (i *instance) call(ctx context.Context, req request) (any, error) {
	req.ctx = ctx
	req.reply = make(chan response, 1)

	select {
	case i.mailbox <- req:
	case <-i.tomb.Dying():
		return nil, ErrDeactivated
	case <-ctx.Done():
		return nil, ctxError(ctx, i.host, req.method)
	}

	select {
	case res := <-req.reply:
		if res.err != nil && ctx.Err() != nil {
			return nil, ctxError(ctx, i.host, req.method)
		}
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctxError(ctx, i.host, req.method)
	}
}

func ctxError(ctx context.Context, h *Host, method string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Timeoutf("%s/%s.%s", h.Type, h.ID, method)
	}
	return errors.Annotatef(ctx.Err(), "%s/%s.%s", h.Type, h.ID, method)
}

func (i *instance) remind(name string, period time.Duration) {
	i.mu.Lock()
	if _, ok := i.reminders[name]; ok {
		i.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	i.reminders[name] = stop
	i.mu.Unlock()

	clk := i.host.rt.clock
	i.tomb.Go(func() error {
		for {
			select {
			case <-clk.After(period):
			case <-stop:
				return nil
			case <-i.tomb.Dying():
				return nil
			}
			select {
			case i.mailbox <- request{reminder: name}:
			case <-stop:
				return nil
			case <-i.tomb.Dying():
				return nil
			}
		}
	})
}

func (i *instance) forget(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if stop, ok := i.reminders[name]; ok {
		close(stop)
		delete(i.reminders, name)
	}
}
