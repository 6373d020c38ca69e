package rules

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Cache holds the compiled rule set between refreshes. When the source
// fails the last good set stays in effect.
type Cache struct {
	source   Source
	interval time.Duration
	logger   zerolog.Logger

	rules    atomic.Pointer[[]Rule]
	degraded atomic.Bool
}

func NewCache(source Source, interval time.Duration, logger zerolog.Logger) *Cache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Cache{
		source:   source,
		interval: interval,
		logger:   logger.With().Str("component", "rules").Logger(),
	}
	empty := []Rule{}
	c.rules.Store(&empty)
	return c
}

// Refresh reloads the full rule set from the source.
func (c *Cache) Refresh(ctx context.Context) error {
	loaded, err := c.source.ListActiveRules(ctx, "")
	if err != nil {
		if !c.degraded.Swap(true) {
			c.logger.Warn().Err(err).Int("rules_in_effect", len(c.Rules())).Msg("RULE_SOURCE_DEGRADED")
		}
		return err
	}
	c.rules.Store(&loaded)
	if c.degraded.Swap(false) {
		c.logger.Info().Int("rules", len(loaded)).Msg("Rule source recovered")
	}
	return nil
}

// Run polls the source until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

func (c *Cache) Rules() []Rule {
	return *c.rules.Load()
}

func (c *Cache) Degraded() bool {
	return c.degraded.Load()
}

func (c *Cache) Evaluate(facts Facts, sensorType string) []Match {
	return Evaluate(facts, sensorType, c.Rules())
}
