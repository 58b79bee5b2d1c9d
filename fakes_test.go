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
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/database"
	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

// memDataSource is an in-memory IDataSource with the same version and
// uniqueness rules as the Postgres one.
type memDataSource struct {
	mu          sync.Mutex
	items       map[string]*model.WorkflowItem
	transitions []model.TransitionRecord
	slots       map[slotID]string
	conflicts   int
}

func newMemDataSource() *memDataSource {
	return &memDataSource{items: map[string]*model.WorkflowItem{}, slots: map[slotID]string{}}
}

func itemKey(brand, id string) string { return brand + "/" + id }

type slotID struct {
	brand string
	at    int64
}

func slotKey(brand string, at time.Time) slotID { return slotID{brand: brand, at: at.Unix()} }

func (m *memDataSource) put(item *model.WorkflowItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.Version == 0 {
		item.Version = 1
	}
	m.items[itemKey(item.Brand, item.WorkflowID)] = item.Clone()
}

func (m *memDataSource) CreateWorkflow(_ context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.Brand == item.Brand && existing.Content.SourceID == item.Content.SourceID && !existing.Stage.IsTerminal() {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "active workflow exists", nil)
		}
	}
	item.Version = 1
	m.items[itemKey(item.Brand, item.WorkflowID)] = item.Clone()
	return item, nil
}

func (m *memDataSource) GetWorkflow(_ context.Context, brand, workflowID string) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemKey(brand, workflowID)]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "workflow not found", nil)
	}
	return item.Clone(), nil
}

func (m *memDataSource) UpdateWorkflow(_ context.Context, item *model.WorkflowItem, expectedVersion int64, record model.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("%w: injected", database.ErrVersionConflict)
	}
	stored, ok := m.items[itemKey(item.Brand, item.WorkflowID)]
	if !ok || stored.Version != expectedVersion {
		return fmt.Errorf("%w: workflow %s expected version %d", database.ErrVersionConflict, item.WorkflowID, expectedVersion)
	}
	item.Version = expectedVersion + 1
	m.items[itemKey(item.Brand, item.WorkflowID)] = item.Clone()
	m.transitions = append(m.transitions, record)
	return nil
}

func (m *memDataSource) FindWorkflowByExternalRef(_ context.Context, step model.Step, externalID string) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.ExternalRef(step) == externalID {
			return item.Clone(), nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "no workflow owns ref", nil)
}

func (m *memDataSource) filter(keep func(*model.WorkflowItem) bool, limit int) []*model.WorkflowItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WorkflowItem
	for _, item := range m.items {
		if keep(item) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memDataSource) ListWorkflowsByStage(_ context.Context, brand string, stage model.Stage, updatedBefore time.Time, limit int) ([]*model.WorkflowItem, error) {
	return m.filter(func(item *model.WorkflowItem) bool {
		return item.Brand == brand && item.Stage == stage && item.UpdatedAt.Before(updatedBefore)
	}, limit), nil
}

func (m *memDataSource) ListDuePosts(_ context.Context, brand string, now time.Time, limit int) ([]*model.WorkflowItem, error) {
	return m.filter(func(item *model.WorkflowItem) bool {
		return item.Brand == brand && item.Stage == model.StageReadyToPost &&
			item.ScheduledFor != nil && !item.ScheduledFor.After(now)
	}, limit), nil
}

func (m *memDataSource) ListWorkflows(_ context.Context, brand string, stage model.Stage, limit, offset int) ([]*model.WorkflowItem, error) {
	all := m.filter(func(item *model.WorkflowItem) bool {
		return item.Brand == brand && (stage == "" || item.Stage == stage)
	}, 0)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *memDataSource) DeleteTerminalWorkflows(_ context.Context, brand string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, item := range m.items {
		if item.Brand == brand && item.Stage.IsTerminal() && item.UpdatedAt.Before(before) {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

func (m *memDataSource) ListTransitions(_ context.Context, brand, workflowID string) ([]model.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TransitionRecord
	for _, rec := range m.transitions {
		if rec.Brand == brand && rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDataSource) ClaimSlot(_ context.Context, brand string, slotAt time.Time, workflowID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(brand, slotAt)
	if _, taken := m.slots[key]; taken {
		return false, nil
	}
	m.slots[key] = workflowID
	return true, nil
}

func (m *memDataSource) ReleaseSlot(_ context.Context, brand string, slotAt time.Time, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(brand, slotAt)
	if m.slots[key] == workflowID {
		delete(m.slots, key)
	}
	return nil
}

func (m *memDataSource) FindSlotClaim(_ context.Context, brand, workflowID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, id := range m.slots {
		if key.brand == brand && id == workflowID {
			at := time.Unix(key.at, 0).UTC()
			return &at, nil
		}
	}
	return nil, nil
}

func (m *memDataSource) slotCount(brand string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.slots {
		if key.brand == brand {
			n++
		}
	}
	return n
}

// fakeQueue records tasks and drops duplicates by task id like asynq.
type fakeQueue struct {
	mu        sync.Mutex
	ids       map[string]bool
	submits   []queuedSubmit
	schedules []WorkflowTask
	notifies  []WorkflowTask
	err       error
}

type queuedSubmit struct {
	task      WorkflowTask
	notBefore *time.Time
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ids: map[string]bool{}}
}

func (q *fakeQueue) add(id string) bool {
	if q.ids[id] {
		return false
	}
	q.ids[id] = true
	return true
}

func (q *fakeQueue) EnqueueSubmit(_ context.Context, task WorkflowTask, notBefore *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.add(SubmitTaskID(task)) {
		q.submits = append(q.submits, queuedSubmit{task: task, notBefore: notBefore})
	}
	return nil
}

func (q *fakeQueue) EnqueueSchedule(_ context.Context, task WorkflowTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.schedules = append(q.schedules, task)
	return nil
}

func (q *fakeQueue) EnqueueNotify(_ context.Context, task WorkflowTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.add(notifyTaskID(task)) {
		q.notifies = append(q.notifies, task)
	}
	return nil
}

// popSubmits removes and returns the submissions due at now. The task id
// is freed, as asynq does once a task completes.
func (q *fakeQueue) popSubmits(now time.Time) []WorkflowTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []WorkflowTask
	var held []queuedSubmit
	for _, s := range q.submits {
		if s.notBefore != nil && now.Before(*s.notBefore) {
			held = append(held, s)
			continue
		}
		due = append(due, s.task)
		delete(q.ids, SubmitTaskID(s.task))
	}
	q.submits = held
	return due
}

func (q *fakeQueue) popSchedules() []WorkflowTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.schedules
	q.schedules = nil
	return out
}

func (q *fakeQueue) notices() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, n := range q.notifies {
		out = append(out, n.Notice)
	}
	return out
}

func (q *fakeQueue) pendingKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, s := range q.submits {
		out = append(out, s.task.IdempotencyKey)
	}
	return out
}

// fakeClient is a scripted vendor for one step. It also acts as a webhook
// source with a small JSON body signed with HMAC.
type fakeClient struct {
	step   model.Step
	vendor string

	mu       sync.Mutex
	requests []stages.SubmitRequest
	submitFn func(req stages.SubmitRequest) (*stages.SubmitResult, error)
	polls    map[string]*stages.PollResult
	pollErr  error
}

func newFakeClient(step model.Step, vendor string) *fakeClient {
	return &fakeClient{step: step, vendor: vendor, polls: map[string]*stages.PollResult{}}
}

func (c *fakeClient) Step() model.Step { return c.step }
func (c *fakeClient) Vendor() string   { return c.vendor }

func (c *fakeClient) Submit(_ context.Context, req stages.SubmitRequest) (*stages.SubmitResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	fn := c.submitFn
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	res := &stages.SubmitResult{ExternalID: fmt.Sprintf("%s_%d", c.step, n)}
	if c.step == model.StepStorage {
		res.Done = true
		res.ResultURL = "https://media.test/" + req.Brand + "/" + req.WorkflowID + ".mp4"
	}
	return res, nil
}

func (c *fakeClient) submitted() []stages.SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stages.SubmitRequest(nil), c.requests...)
}

func (c *fakeClient) PollStatus(_ context.Context, _ config.BrandCredentials, externalID string) (*stages.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if res, ok := c.polls[externalID]; ok {
		return res, nil
	}
	return &stages.PollResult{Status: stages.StatusPending}, nil
}

func (c *fakeClient) VerifyWebhook(header http.Header, body []byte, secret string) error {
	return stages.VerifyHMAC(body, header.Get("X-Signature"), secret)
}

type fakeWebhook struct {
	ID     string          `json:"id"`
	Status stages.Status   `json:"status"`
	URL    string          `json:"url,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   model.ErrorKind `json:"kind,omitempty"`
}

func (c *fakeClient) ParseWebhook(body []byte) (*stages.WebhookResult, error) {
	var p fakeWebhook
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &stages.WebhookResult{ExternalID: p.ID, Status: p.Status, ResultURL: p.URL, ErrorMessage: p.Error, ErrorKind: p.Kind}, nil
}

var harnessStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

type harness struct {
	rf      *Reelflow
	ds      *memDataSource
	queue   *fakeQueue
	clients map[model.Step]*fakeClient
	cfg     *config.Configuration
	now     time.Time
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "Reelflow",
		Queue: config.QueueConfig{
			SubmitQueue:   config.DEFAULT_SUBMIT_QUEUE,
			ScheduleQueue: config.DEFAULT_SCHEDULE_QUEUE,
			NotifyQueue:   config.DEFAULT_NOTIFY_QUEUE,
			MaxRetry:      5,
		},
		Reconciler: config.ReconcilerConfig{
			IntervalSec:        60,
			HandoffTTLSec:      300,
			ReleaseIntervalSec: 30,
			MaxWorkers:         2,
			BatchSize:          50,
			LockTTLSec:         60,
			CleanupIntervalSec: 86400,
		},
		Brands: []config.BrandConfig{{
			Name: "acme",
			Credentials: config.BrandCredentials{
				AvatarAPIKey:     "avatar-key",
				SocialAccountIDs: []string{"acct_1"},
			},
			WebhookSecrets: config.WebhookSecrets{Avatar: "avatar-secret", Captions: "captions-secret", Social: "social-secret"},
			Cadence: config.PostingCadence{
				Timezone:    "UTC",
				Slots:       []config.CadenceSlot{{Day: "*", Time: "09:00"}, {Day: "*", Time: "18:00"}},
				HorizonDays: 14,
			},
			Steps: map[string]config.StepPolicy{
				"caption": {TTLSec: 600, RetryBudget: 2, Grace: 1.5},
			},
			MaxConcurrency: 2,
			RetentionDays:  30,
		}, {
			Name: "globex",
			Cadence: config.PostingCadence{
				Timezone: "America/New_York",
				Slots:    []config.CadenceSlot{{Day: "mon", Time: "12:00"}},
			},
			MaxConcurrency: 1,
			RetentionDays:  7,
		}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		ds:    newMemDataSource(),
		queue: newFakeQueue(),
		cfg:   testConfig(),
		now:   harnessStart,
		clients: map[model.Step]*fakeClient{
			model.StepSynthesis: newFakeClient(model.StepSynthesis, "avatar"),
			model.StepCaption:   newFakeClient(model.StepCaption, "captions"),
			model.StepStorage:   newFakeClient(model.StepStorage, "storage"),
			model.StepPosting:   newFakeClient(model.StepPosting, "social"),
		},
	}
	registry := stages.NewRegistry(
		h.clients[model.StepSynthesis],
		h.clients[model.StepCaption],
		storageOnly{h.clients[model.StepStorage]},
		h.clients[model.StepPosting],
	)
	h.rf = New(h.cfg, h.ds, h.queue, registry, rdb)
	h.rf.SetClock(func() time.Time { return h.now })
	return h
}

// storageOnly hides the webhook methods; the storage step never calls back.
type storageOnly struct{ c *fakeClient }

func (s storageOnly) Step() model.Step { return s.c.Step() }
func (s storageOnly) Submit(ctx context.Context, req stages.SubmitRequest) (*stages.SubmitResult, error) {
	return s.c.Submit(ctx, req)
}
func (s storageOnly) PollStatus(ctx context.Context, creds config.BrandCredentials, id string) (*stages.PollResult, error) {
	return s.c.PollStatus(ctx, creds, id)
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// runSubmits plays the worker: every due submission is processed until the
// queue has nothing due.
func (h *harness) runSubmits(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		tasks := h.queue.popSubmits(h.now)
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			require.NoError(t, h.rf.Submit(context.Background(), task))
		}
	}
}

func (h *harness) runSchedules(t *testing.T) {
	t.Helper()
	for _, task := range h.queue.popSchedules() {
		_, err := h.rf.AssignSlot(context.Background(), task.Brand, task.WorkflowID)
		require.NoError(t, err)
	}
}

func (h *harness) item(t *testing.T, id string) *model.WorkflowItem {
	t.Helper()
	item, err := h.ds.GetWorkflow(context.Background(), "acme", id)
	require.NoError(t, err)
	return item
}

func (h *harness) webhook(t *testing.T, vendor string, body fakeWebhook) (*IngestResult, error) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	secret := stages.SecretFor(h.cfg.Brands[0].WebhookSecrets, vendor)
	header := http.Header{}
	header.Set("X-Signature", stages.Sign(raw, secret))
	return h.rf.IngestWebhook(context.Background(), vendor, "acme", header, raw)
}

func sampleContent(sourceID string) model.Content {
	return model.Content{
		Type:     model.ContentArticle,
		SourceID: sourceID,
		Title:    "Market update",
		Script:   "Prices moved this week.",
	}
}
