package view

import (
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// GCPeriod is how often expired rows are collected.
const GCPeriod = 60 * time.Second

// Collector periodically removes rows that fell out of their view's
// retention window.
type Collector struct {
	store  Store
	period time.Duration
	logger *zap.Logger
	clock  clock.Clock
	tomb   tomb.Tomb
}

func StartCollector(store Store, period time.Duration, logger *zap.Logger, clk clock.Clock) *Collector {
	if period <= 0 {
		period = GCPeriod
	}
	if logger == nil {
		logger = zap.L()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Collector{store: store, period: period, logger: logger, clock: clk}
	c.tomb.Go(c.loop)
	return c
}

func (c *Collector) loop() error {
	ctx := c.tomb.Context(nil)
	for {
		select {
		case <-c.clock.After(c.period):
		case <-c.tomb.Dying():
			return nil
		}
		n, err := c.store.Collect(ctx)
		if err != nil {
			c.logger.Error("collecting expired view rows", zap.Error(err))
			continue
		}
		if n > 0 {
			c.logger.Info("collected expired view rows", zap.Int("rows", n))
		}
	}
}

func (c *Collector) Stop() error {
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}
