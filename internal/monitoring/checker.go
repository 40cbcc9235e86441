package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/config"
)

const defaultRepeatAfter = time.Hour

// Checker evaluates status on a ticker and forwards new alerts. An alert
// type that already fired is held back until repeatAfter has passed or the
// condition clears.
type Checker struct {
	collector   *Collector
	alerter     *Alerter
	cfg         config.MonitoringConfig
	repeatAfter time.Duration

	firing  map[AlertType]time.Time
	nowFunc func() time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector:   collector,
		alerter:     alerter,
		cfg:         cfg,
		repeatAfter: defaultRepeatAfter,
		firing:      make(map[AlertType]time.Time),
		nowFunc:     time.Now,
	}
}

// Run checks once immediately, then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and sends the alerts that are not being held
// back. It returns how many alerts were due.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("collect status", zap.Error(err))
		return 0
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("alerts due",
		zap.Int("alerts", len(due)),
		zap.Int("sent", sent),
	)
	return len(due)
}

// due filters alerts against the firing set and updates it. Types absent
// from alerts have cleared and are forgotten.
func (c *Checker) due(alerts []Alert) []Alert {
	now := c.nowFunc()
	send := make(map[AlertType]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		ok, decided := send[a.Type]
		if !decided {
			last, firing := c.firing[a.Type]
			ok = !firing || now.Sub(last) >= c.repeatAfter
			if ok {
				c.firing[a.Type] = now
			}
			send[a.Type] = ok
		}
		if ok {
			out = append(out, a)
		}
	}
	for t := range c.firing {
		if _, active := send[t]; !active {
			delete(c.firing, t)
		}
	}
	return out
}
