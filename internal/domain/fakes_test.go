package domain

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/reconciler"
)

// fakeActors answers actor calls from canned statuses per actor type.
type fakeActors struct {
	mu          sync.Mutex
	calls       []string
	statuses    map[string]any
	onConfigure func(actorType, id string)
}

func newFakeActors() *fakeActors {
	return &fakeActors{statuses: make(map[string]any)}
}

func (f *fakeActors) setStatus(actorType string, st any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[actorType] = st
}

func (f *fakeActors) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeActors) Call(_ context.Context, actorType, id, method string, _, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, actorType+"/"+id+"."+method)
	st, ok := f.statuses[actorType]
	hook := f.onConfigure
	f.mu.Unlock()

	switch method {
	case reconciler.MethodConfigure:
		if hook != nil {
			hook(actorType, id)
		}
		return nil
	case reconciler.MethodGetStatus:
		if !ok {
			return errors.NotFoundf("actor %s/%s", actorType, id)
		}
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return nil
}

// fakeInvoker records invoked app ids.
type fakeInvoker struct {
	mu      sync.Mutex
	invoked []string
}

func (f *fakeInvoker) Invoke(_ context.Context, appID, method string, _, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, appID+"."+method)
	return nil
}

func (f *fakeInvoker) Stream(context.Context, string, string, any) (io.ReadCloser, error) {
	return nil, errors.NotSupportedf("stream")
}
