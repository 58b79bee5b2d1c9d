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
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/database"
	"github.com/reelflow/reelflow/internal/notification"
	redis_db "github.com/reelflow/reelflow/internal/redis-db"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/internal/stages/avatar"
	"github.com/reelflow/reelflow/internal/stages/captions"
	"github.com/reelflow/reelflow/internal/stages/social"
	"github.com/reelflow/reelflow/internal/stages/storage"
)

// Reelflow wires the workflow store, the task queue and the vendor clients
// together. Every operation on a workflow item goes through it.
type Reelflow struct {
	config     *config.Configuration
	datasource database.IDataSource
	queue      TaskQueue
	stages     *stages.Registry
	redis      redis.UniversalClient
	limiter    *brandLimiter
	now        func() time.Time
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewReelflow builds a Reelflow instance from the loaded configuration. It
// connects to Redis, creates the task queue and the vendor clients.
//
// Parameters:
// - db database.IDataSource: The datasource for workflow storage.
//
// Returns:
// - *Reelflow: A pointer to the newly created instance.
// - error: An error if any of the initialization steps fail.
func NewReelflow(db database.IDataSource) (*Reelflow, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	queue, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := NewStageRegistry(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	r := New(cfg, db, queue, registry, redisClient.Client())
	notification.RegisterWebhookSender(r.SystemWebhookSender())
	return r, nil
}

// New assembles a Reelflow instance from already built dependencies.
func New(cfg *config.Configuration, db database.IDataSource, queue TaskQueue, registry *stages.Registry, rdb redis.UniversalClient) *Reelflow {
	return &Reelflow{
		config:     cfg,
		datasource: db,
		queue:      queue,
		stages:     registry,
		redis:      rdb,
		limiter:    newBrandLimiter(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewStageRegistry creates the four vendor clients from configuration.
func NewStageRegistry(ctx context.Context, cfg *config.Configuration) (*stages.Registry, error) {
	store, err := storage.NewS3Storage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return stages.NewRegistry(
		avatar.New(cfg.Vendors.Avatar),
		captions.New(cfg.Vendors.Captions),
		storage.New(store, cfg.Storage.KeyPrefix),
		social.New(cfg.Vendors.Social),
	), nil
}

// SetClock replaces the clock used for transitions and sweeps.
func (r *Reelflow) SetClock(now func() time.Time) {
	r.now = func() time.Time { return now().UTC() }
}

// Config returns the configuration the instance was built with.
func (r *Reelflow) Config() *config.Configuration {
	return r.config
}

func (r *Reelflow) handoffTTL() time.Duration {
	return time.Duration(r.config.Reconciler.HandoffTTLSec) * time.Second
}

func (r *Reelflow) lockTTL() time.Duration {
	return time.Duration(r.config.Reconciler.LockTTLSec) * time.Second
}

func (r *Reelflow) batchSize() int {
	if r.config.Reconciler.BatchSize <= 0 {
		return 200
	}
	return r.config.Reconciler.BatchSize
}
