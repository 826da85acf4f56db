package concurrency

import (
	"context"
	"time"
)

// DecayLoop periodically relaxes every known key's adaptive ceiling back
// toward cfg.AdaptiveCeiling (cfg.Max when that is unset), one step per
// tick, so a single stale 429 doesn't permanently
// suppress throughput once the backend has recovered. It is optional:
// nothing in the gate's correctness depends on it running.
type DecayLoop struct {
	gate     *Gate
	interval time.Duration
	configOf func(key string) Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecayLoop creates a decay loop. configOf must return the Config
// currently in effect for key (so Max/AdaptiveCeiling reflect live
// configuration, not a snapshot).
func NewDecayLoop(gate *Gate, interval time.Duration, configOf func(key string) Config) *DecayLoop {
	return &DecayLoop{gate: gate, interval: interval, configOf: configOf}
}

// Start begins the decay ticker. Call Stop to terminate it.
func (d *DecayLoop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (d *DecayLoop) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *DecayLoop) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *DecayLoop) tick() {
	d.gate.mu.Lock()
	keys := make([]string, 0, len(d.gate.byKey))
	for k := range d.gate.byKey {
		keys = append(keys, k)
	}
	d.gate.mu.Unlock()

	for _, k := range keys {
		cfg := d.configOf(k)
		d.gate.SignalSuccess(k, cfg)
	}
}
