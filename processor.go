/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reelflow

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeriodicProcessor runs a function on a fixed interval until stopped. The
// reconciler sweep, the due post release and retention cleanup all run on
// one.
type PeriodicProcessor struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewPeriodicProcessor(name string, interval time.Duration, fn func(ctx context.Context)) *PeriodicProcessor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PeriodicProcessor{
		name:     name,
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
}

func (p *PeriodicProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Infof("%s processor started (interval=%v)", p.name, p.interval)
}

func (p *PeriodicProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Infof("%s processor stopped", p.name)
}

func (p *PeriodicProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Infof("%s processor context cancelled", p.name)
			return
		case <-p.stopCh:
			logrus.Infof("%s processor stop signal received", p.name)
			return
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}

// NewReconciler returns the processor that sweeps every brand each
// reconciler interval.
func (r *Reelflow) NewReconciler() *PeriodicProcessor {
	interval := time.Duration(r.config.Reconciler.IntervalSec) * time.Second
	return NewPeriodicProcessor("reconciler", interval, func(ctx context.Context) {
		if _, err := r.ReconcileAll(ctx); err != nil {
			logrus.Errorf("reconcile sweep: %v", err)
		}
	})
}

// NewReleaser returns the processor that releases due posts.
func (r *Reelflow) NewReleaser() *PeriodicProcessor {
	interval := time.Duration(r.config.Reconciler.ReleaseIntervalSec) * time.Second
	return NewPeriodicProcessor("post release", interval, func(ctx context.Context) {
		for _, brand := range r.config.BrandNames() {
			if _, err := r.ReleaseDue(ctx, brand); err != nil {
				logrus.WithField("brand", brand).Errorf("releasing due posts: %v", err)
			}
		}
	})
}

// NewCleaner returns the processor that applies the retention window.
func (r *Reelflow) NewCleaner() *PeriodicProcessor {
	interval := time.Duration(r.config.Reconciler.CleanupIntervalSec) * time.Second
	return NewPeriodicProcessor("cleanup", interval, func(ctx context.Context) {
		for _, brand := range r.config.BrandNames() {
			if _, err := r.Cleanup(ctx, brand, r.now()); err != nil {
				logrus.WithField("brand", brand).Errorf("cleanup: %v", err)
			}
		}
	})
}
