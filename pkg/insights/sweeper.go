package insights

import (
	"context"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/collab"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/tenant"
)

// Sweeper periodically runs detection and recommendation for every
// active tenant and compacts settled collaborations past retention
type Sweeper struct {
	engine  *Engine
	collabs *collab.Service
	tenants *tenant.Service
	logger  observability.Logger

	interval  time.Duration
	window    time.Duration
	retention time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper; Start launches it
func NewSweeper(engine *Engine, collabs *collab.Service, tenants *tenant.Service, logger observability.Logger,
	interval, window, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if window <= 0 {
		window = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Sweeper{
		engine:    engine,
		collabs:   collabs,
		tenants:   tenants,
		logger:    logger.WithPrefix("insights-sweep"),
		interval:  interval,
		window:    window,
		retention: retention,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background loop
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Close stops the loop and waits for it to exit
func (s *Sweeper) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

// SweepOnce runs one full pass over every active tenant
func (s *Sweeper) SweepOnce(ctx context.Context) {
	tenants, err := s.tenants.List(ctx, models.TenantActive)
	if err != nil {
		s.logger.Error("tenant listing failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, ten := range tenants {
		if _, err := s.engine.Detect(ctx, ten.ID, s.window); err != nil {
			s.logger.Warn("detection failed", map[string]interface{}{
				"tenant_id": ten.ID.String(), "error": err.Error(),
			})
		}
		if _, err := s.engine.Recommend(ctx, ten.ID, s.window); err != nil {
			s.logger.Warn("recommendation failed", map[string]interface{}{
				"tenant_id": ten.ID.String(), "error": err.Error(),
			})
		}
		cutoff := s.engine.clk.Now().Add(-s.retention)
		if n, err := s.collabs.ArchiveOlderThan(ctx, ten.ID, cutoff); err != nil {
			s.logger.Warn("collaboration archival failed", map[string]interface{}{
				"tenant_id": ten.ID.String(), "error": err.Error(),
			})
		} else if n > 0 {
			s.logger.Info("collaborations archived", map[string]interface{}{
				"tenant_id": ten.ID.String(), "count": n,
			})
		}
	}
}
