package actor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Host is an actor's handle on its runtime.
type Host struct {
	Type string
	ID   string

	rt   *Runtime
	inst *instance
}

func (h *Host) Logger() *zap.Logger {
	return h.inst.logger
}

func (h *Host) Clock() clock.Clock {
	return h.rt.clock
}

// LoadState decodes key into out. It reports false when the key is absent.
func (h *Host) LoadState(ctx context.Context, key string, out any) (bool, error) {
	raw, err := h.rt.state.Get(ctx, h.Type, h.ID, key)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Annotatef(err, "decoding state %s", key)
	}
	return true, nil
}

func (h *Host) SaveState(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Annotatef(err, "encoding state %s", key)
	}
	return errors.Trace(h.rt.state.Set(ctx, h.Type, h.ID, key, raw))
}

func (h *Host) DeleteState(ctx context.Context, key string) error {
	return errors.Trace(h.rt.state.Delete(ctx, h.Type, h.ID, key))
}

// RegisterReminder delivers OnReminder(name) every period until unregistered.
// Registering an existing name is a no-op.
func (h *Host) RegisterReminder(name string, period time.Duration) {
	h.inst.remind(name, period)
}

func (h *Host) UnregisterReminder(name string) {
	h.inst.forget(name)
}
