// Package reconciler converges declared resources (sources, reactions and
// query containers) towards their specs. Each resource is an actor that owns
// one ServiceController per declared service.
package reconciler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// ErrUnhealthy marks a service that answered its check with a failure.
const ErrUnhealthy = errors.ConstError("service unhealthy")

// DefaultHealthPeriod is how often a controller checks its service.
const DefaultHealthPeriod = 5 * time.Second

const healthTimeout = 3 * time.Second

type StatusKind string

const (
	StatusUnknown StatusKind = "Unknown"
	StatusOnline  StatusKind = "Online"
	StatusOffline StatusKind = "Offline"
	StatusError   StatusKind = "Error"
)

// ReconcileStatus is the observed state of one service.
type ReconcileStatus struct {
	Kind    StatusKind
	Message string
}

func (s ReconcileStatus) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// HealthChecker checks that a service is up.
type HealthChecker interface {
	Check(ctx context.Context) error
}

type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// StaticChecker always reports Err.
type StaticChecker struct {
	Err error
}

func (p StaticChecker) Check(context.Context) error { return p.Err }

// HTTPChecker GETs URL. Any 2xx is healthy.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

func (p HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errors.Trace(err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "probing %s", p.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.WithType(
			errors.Errorf("%s returned %d: %s", p.URL, resp.StatusCode, strings.TrimSpace(string(msg))),
			ErrUnhealthy)
	}
	return nil
}

// ServiceController tracks the health of one declared service.
type ServiceController struct {
	name   string
	period time.Duration
	logger *zap.Logger
	clock  clock.Clock
	tomb   tomb.Tomb

	mu     sync.Mutex
	checker HealthChecker
	status ReconcileStatus
	// update wakes the loop for an immediate check.
	update chan struct{}
}

func StartServiceController(name string, checker HealthChecker, period time.Duration, logger *zap.Logger, clk clock.Clock) *ServiceController {
	if period <= 0 {
		period = DefaultHealthPeriod
	}
	c := &ServiceController{
		name:   name,
		period: period,
		logger: logger.With(zap.String("service", name)),
		clock:  clk,
		checker: checker,
		status: ReconcileStatus{Kind: StatusUnknown},
		update: make(chan struct{}, 1),
	}
	c.tomb.Go(c.loop)
	return c
}

func (c *ServiceController) Name() string { return c.name }

func (c *ServiceController) Status() ReconcileStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Update replaces the checker and checks again.
func (c *ServiceController) Update(checker HealthChecker) {
	c.mu.Lock()
	c.checker = checker
	c.mu.Unlock()
	select {
	case c.update <- struct{}{}:
	default:
	}
}

func (c *ServiceController) Stop() error {
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}

func (c *ServiceController) loop() error {
	ctx := c.tomb.Context(nil)
	for {
		c.check(ctx)
		select {
		case <-c.clock.After(c.period):
		case <-c.update:
		case <-c.tomb.Dying():
			return nil
		}
	}
}

func (c *ServiceController) check(ctx context.Context) {
	c.mu.Lock()
	checker := c.checker
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	err := checker.Check(ctx)
	cancel()

	next := ReconcileStatus{Kind: StatusOnline}
	switch {
	case err == nil:
	case errors.Is(err, ErrUnhealthy):
		next = ReconcileStatus{Kind: StatusError, Message: err.Error()}
	default:
		next = ReconcileStatus{Kind: StatusOffline, Message: err.Error()}
	}

	c.mu.Lock()
	prev := c.status
	c.status = next
	c.mu.Unlock()
	if prev.Kind != next.Kind {
		c.logger.Info("service status changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}
