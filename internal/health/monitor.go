// Package health runs the background scan that promotes credentials out of
// time-bounded penalty states. It never demotes; only live call outcomes do
// that, through the registry commit path.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/openmux/modelgate/internal/config"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/registry"
)

// Monitor periodically scans the registry and applies recovery
// transitions. Start it once; Stop shuts it down deterministically.
type Monitor struct {
	registry *registry.Registry
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor builds a monitor for the registry.
func NewMonitor(reg *registry.Registry, cfg config.HealthConfig) *Monitor {
	interval := cfg.Interval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{registry: reg, interval: interval}
}

// Start launches the scan loop. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	m.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.loop(ctx)
	})
}

// Stop cancels the loop and waits for the in-progress scan to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan()
		}
	}
}

// Scan walks every credential once and applies recovery transitions.
// Exported so tests and the management API can trigger it directly.
// A failure on one credential is logged and skipped, never aborting the
// rest of the scan.
func (m *Monitor) Scan() {
	for _, view := range m.registry.Snapshot() {
		switch view.State {
		case registry.StateRateLimited, registry.StateQuotaExceeded, registry.StateError:
		default:
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("health scan: credential %s: %v", view.ID, r)
				}
			}()
			if after, promoted := m.registry.PromoteRecoverable(view.ID, view.State); promoted {
				log.Infof("health: credential %s recovered %s -> %s", view.ID, view.State, after)
			}
		}()
	}
}
