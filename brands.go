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
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/model"
)

// brand returns the configuration of a known brand.
func (r *Reelflow) brand(name string) (*config.BrandConfig, error) {
	b, ok := r.config.Brand(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBrand, name)
	}
	return b, nil
}

// PolicyFor collects the retry budgets of a brand's steps.
func PolicyFor(b *config.BrandConfig) Policy {
	budgets := make(map[model.Step]int, len(model.Steps))
	for _, step := range model.Steps {
		budgets[step] = b.StepPolicy(string(step)).RetryBudget
	}
	return Policy{RetryBudgets: budgets}
}

// brandLimiter caps in-flight vendor submissions per brand.
type brandLimiter struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newBrandLimiter() *brandLimiter {
	return &brandLimiter{sems: make(map[string]*semaphore.Weighted)}
}

func (l *brandLimiter) get(brand string, size int) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[brand]
	if !ok {
		if size <= 0 {
			size = 1
		}
		sem = semaphore.NewWeighted(int64(size))
		l.sems[brand] = sem
	}
	return sem
}

// acquire blocks until the brand has a free submission slot or ctx is done.
func (l *brandLimiter) acquire(ctx context.Context, brand string, size int) (func(), error) {
	sem := l.get(brand, size)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
