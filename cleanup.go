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
	"time"

	"github.com/sirupsen/logrus"
)

// Cleanup deletes a brand's terminal items older than its retention window,
// together with their transitions and slot claims.
func (r *Reelflow) Cleanup(ctx context.Context, brand string, now time.Time) (int64, error) {
	brandCfg, err := r.brand(brand)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-brandCfg.Retention())
	deleted, err := r.datasource.DeleteTerminalWorkflows(ctx, brand, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logrus.WithFields(logrus.Fields{"brand": brand, "before": cutoff}).Infof("deleted %d terminal workflows", deleted)
	}
	return deleted, nil
}
