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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow/config"
	redis_db "github.com/reelflow/reelflow/internal/redis-db"
	"github.com/reelflow/reelflow/model"
)

// WorkflowTask is the payload of every queued workflow task.
type WorkflowTask struct {
	Brand          string     `json:"brand"`
	WorkflowID     string     `json:"workflow_id"`
	Step           model.Step `json:"step,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Notice         string     `json:"notice,omitempty"`
	Version        int64      `json:"version,omitempty"`
}

// TaskQueue accepts the side effects produced by transitions. Enqueueing the
// same task twice is a no-op.
type TaskQueue interface {
	EnqueueSubmit(ctx context.Context, task WorkflowTask, notBefore *time.Time) error
	EnqueueSchedule(ctx context.Context, task WorkflowTask) error
	EnqueueNotify(ctx context.Context, task WorkflowTask) error
}

// Queue is the asynq backed TaskQueue.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis URL cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewQueueWithOpt(opt, conf.Queue), nil
}

// NewQueueWithOpt creates a Queue on an explicit Redis connection.
func NewQueueWithOpt(opt asynq.RedisConnOpt, conf config.QueueConfig) *Queue {
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		conf:      conf,
	}
}

// SubmitTaskID is the task id of a submission: its idempotency key.
func SubmitTaskID(task WorkflowTask) string {
	return task.IdempotencyKey
}

func scheduleTaskID(task WorkflowTask) string {
	return fmt.Sprintf("schedule:%s:%s", task.Brand, task.WorkflowID)
}

func notifyTaskID(task WorkflowTask) string {
	return fmt.Sprintf("notify:%s:%s:%s:v%d", task.Brand, task.WorkflowID, task.Notice, task.Version)
}

// EnqueueSubmit queues a vendor submission. A posting submission carries the
// slot time and is held by the queue until then.
func (q *Queue) EnqueueSubmit(ctx context.Context, task WorkflowTask, notBefore *time.Time) error {
	if task.IdempotencyKey == "" {
		return errors.New("submit task needs an idempotency key")
	}
	var opts []asynq.Option
	if notBefore != nil {
		if d := time.Until(*notBefore); d > 0 {
			opts = append(opts, asynq.ProcessIn(d))
		}
	}
	return q.enqueue(ctx, q.conf.SubmitQueue, SubmitTaskID(task), task, opts...)
}

func (q *Queue) EnqueueSchedule(ctx context.Context, task WorkflowTask) error {
	return q.enqueue(ctx, q.conf.ScheduleQueue, scheduleTaskID(task), task)
}

func (q *Queue) EnqueueNotify(ctx context.Context, task WorkflowTask) error {
	return q.enqueue(ctx, q.conf.NotifyQueue, notifyTaskID(task), task)
}

// enqueue adds a task under a deterministic id. A task already pending with
// the same id counts as success. An archived one is replaced so the reconciler
// can resume work that exhausted its queue retries.
func (q *Queue) enqueue(ctx context.Context, queueName, taskID string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	opts = append(opts,
		asynq.TaskID(taskID),
		asynq.Queue(queueName),
		asynq.MaxRetry(q.conf.MaxRetry),
	)
	task := asynq.NewTask(queueName, data, opts...)

	_, err = q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		replaced, rerr := q.replaceArchived(ctx, queueName, taskID, task)
		if rerr != nil {
			return rerr
		}
		if !replaced {
			logrus.Debugf("task %s already queued", taskID)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	logrus.Debugf(" [*] Successfully enqueued %s", taskID)
	return nil
}

func (q *Queue) replaceArchived(ctx context.Context, queueName, taskID string, task *asynq.Task) (bool, error) {
	info, err := q.Inspector.GetTaskInfo(queueName, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			// finished between the conflict and the lookup
			_, err = q.Client.EnqueueContext(ctx, task)
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				return false, nil
			}
			return err == nil, err
		}
		return false, err
	}
	if info.State != asynq.TaskStateArchived {
		return false, nil
	}
	if err := q.Inspector.DeleteTask(queueName, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, err
	}
	logrus.Infof("replaced archived task %s", taskID)
	return true, nil
}

// Close releases the queue's Redis connections.
func (q *Queue) Close() error {
	if err := q.Client.Close(); err != nil {
		return err
	}
	return q.Inspector.Close()
}
