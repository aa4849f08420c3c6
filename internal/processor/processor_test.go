package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/entitlement"
	"github.com/kalambet/thoughtd/internal/provider"
	"github.com/kalambet/thoughtd/internal/ratelimit"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
	"github.com/kalambet/thoughtd/internal/toolspec"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

const testCatalog = `
tools:
  - id: general
    name: General
    guidance: keep it short
    applies_to:
      always: true
  - id: work
    name: Work
    guidance: work only
    applies_to:
      tags: [work]
`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	requests  []provider.Request
	proposeFn func(ctx context.Context, req provider.Request) (provider.Response, error)
}

func (f *fakeProvider) Propose(ctx context.Context, req provider.Request) (provider.Response, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.proposeFn == nil {
		return provider.Response{RawPrompt: "p", RawResponse: `{"actions":[]}`}, nil
	}
	return f.proposeFn(ctx, req)
}

func respond(actions ...arbiter.RawAction) func(context.Context, provider.Request) (provider.Response, error) {
	return func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{
			Actions:     actions,
			Usage:       thought.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
			RawPrompt:   "prompt",
			RawResponse: "response",
		}, nil
	}
}

func action(typ string, confidence float64, data string) arbiter.RawAction {
	return arbiter.RawAction{Type: typ, Confidence: confidence, Data: json.RawMessage(data)}
}

type harnessConfig struct {
	dailyLimit      int
	minInterval     time.Duration
	maxReprocess    int
	providerTimeout time.Duration
	guestKey        string
}

type harness struct {
	store    *storage.Store
	proc     *Processor
	prov     *fakeProvider
	notifier *Notifier
	clock    *testClock
	limiter  *ratelimit.Limiter
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	catalog, err := toolspec.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("Parse catalog: %v", err)
	}

	if cfg.dailyLimit == 0 {
		cfg.dailyLimit = 50
	}
	clock := &testClock{now: t0}
	limiter := ratelimit.NewWithClock(s, cfg.dailyLimit, cfg.minInterval, clock)
	notifier := NewNotifier(16, nil)
	t.Cleanup(notifier.Close)
	prov := &fakeProvider{}

	proc := New(Deps{
		Store:        s,
		Context:      s,
		Recorder:     s,
		Provider:     prov,
		Catalog:      catalog,
		Limiter:      limiter,
		Entitlements: entitlement.NewCheckerWithClock(s, clock, 0),
		Guests:       entitlement.NewGuestGateWithClock(s, cfg.guestKey, clock),
		Notifier:     notifier,
	}, Options{
		MaxReprocess:     cfg.maxReprocess,
		ProviderTimeout:  cfg.providerTimeout,
		GuestOverrideKey: cfg.guestKey,
	}).WithClock(clock.Now)

	h := &harness{store: s, proc: proc, prov: prov, notifier: notifier, clock: clock, limiter: limiter}
	h.subscribe(t, "u1", entitlement.Subscription{Tier: "pro", Status: "active"})
	h.enroll(t, "u1", "general", "work")
	return h
}

func (h *harness) subscribe(t *testing.T, userID string, sub entitlement.Subscription) {
	t.Helper()
	if err := h.store.PutSubscription(context.Background(), userID, sub); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}
}

func (h *harness) enroll(t *testing.T, userID string, tools ...string) {
	t.Helper()
	if err := h.store.SetEnrolledTools(context.Background(), userID, tools); err != nil {
		t.Fatalf("SetEnrolledTools: %v", err)
	}
}

func (h *harness) seed(t *testing.T, owner, id, text string, tags ...string) thought.Thought {
	t.Helper()
	if tags == nil {
		tags = []string{}
	}
	th, err := h.store.CreateThought(context.Background(), thought.Thought{
		ID: id, UserID: owner, Text: text, Tags: tags, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("CreateThought: %v", err)
	}
	return th
}

func (h *harness) thought(t *testing.T, id string) thought.Thought {
	t.Helper()
	th, err := h.store.GetThought(context.Background(), id)
	if err != nil {
		t.Fatalf("GetThought(%s): %v", id, err)
	}
	return th
}

func (h *harness) job(t *testing.T, id string) storage.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return j
}

// enqueueAndRun queues the thought and runs its job to completion.
func (h *harness) enqueueAndRun(t *testing.T, c Caller, id string, trigger thought.Trigger) storage.Job {
	t.Helper()
	res, err := h.proc.Enqueue(context.Background(), c, id, trigger, EnqueueOptions{AllowReprocess: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.proc.HandleJob(context.Background(), h.job(t, res.JobID)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	return h.job(t, res.JobID)
}

var user1 = Caller{UserID: "u1"}

func wantCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("code = %s, want %s (err: %v)", got, code, err)
	}
}

// TestEnqueue_QueuesJobAndMarksPending verifies a new job snapshots the
// resolved tools and the thought moves to pending.
func TestEnqueue_QueuesJobAndMarksPending(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "plan the sprint", "work")

	res, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Status != StatusQueued || res.JobID == "" {
		t.Fatalf("result = %+v", res)
	}

	j := h.job(t, res.JobID)
	if j.Status != storage.JobQueued || j.Trigger != thought.TriggerManual || j.UserID != "u1" {
		t.Errorf("job = %+v", j)
	}
	if strings.Join(j.ToolSpecIDs, ",") != "general,work" {
		t.Errorf("tool spec ids = %v, want [general work]", j.ToolSpecIDs)
	}
	if j.RequestedBy != "user:u1" {
		t.Errorf("requested_by = %q", j.RequestedBy)
	}
	if got := h.thought(t, "t1").Status; got != thought.StatusPending {
		t.Errorf("thought status = %s, want pending", got)
	}
}

// TestEnqueue_AlreadyQueued verifies a second request returns the live job.
func TestEnqueue_AlreadyQueued(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")

	first, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{})
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if second.Status != StatusAlreadyQueued || second.JobID != first.JobID {
		t.Errorf("second = %+v, want alreadyQueued %s", second, first.JobID)
	}

	jobs, err := h.store.ListThoughtJobs(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListThoughtJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}
}

func TestEnqueue_Rejections(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")
	h.seed(t, "other", "t-other", "not yours")

	tests := []struct {
		name    string
		caller  Caller
		id      string
		trigger thought.Trigger
		want    apperr.Code
	}{
		{"no identity", Caller{}, "t1", thought.TriggerManual, apperr.Unauthenticated},
		{"missing id", user1, "  ", thought.TriggerManual, apperr.InvalidArgument},
		{"revert is not a processing trigger", user1, "t1", thought.TriggerRevert, apperr.InvalidArgument},
		{"missing thought", user1, "nope", thought.TriggerManual, apperr.NotFound},
		{"someone else's thought", user1, "t-other", thought.TriggerManual, apperr.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.Enqueue(context.Background(), tt.caller, tt.id, tt.trigger, EnqueueOptions{})
			wantCode(t, err, tt.want)
		})
	}
}

// TestEnqueue_EntitlementDenied verifies the denial carries the display message.
func TestEnqueue_EntitlementDenied(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.subscribe(t, "u2", entitlement.Subscription{Tier: "free", Status: "active"})
	h.enroll(t, "u2", "general")
	h.seed(t, "u2", "t2", "hello")

	_, err := h.proc.Enqueue(context.Background(), Caller{UserID: "u2"}, "t2", thought.TriggerManual, EnqueueOptions{})
	wantCode(t, err, apperr.PermissionDenied)
	if got := apperr.MessageOf(err); got != entitlement.Message(entitlement.CodeTierMismatch) {
		t.Errorf("message = %q", got)
	}

	_, err = h.proc.Enqueue(context.Background(), Caller{UserID: "nobody"}, "t2", thought.TriggerManual, EnqueueOptions{})
	wantCode(t, err, apperr.PermissionDenied)
}

func TestEnqueue_AlreadyProcessed(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello", thought.ProcessedTag)
	h.seed(t, "u1", "t2", "hello", thought.ProcessedTag)
	h.seed(t, "u1", "t3", "hello", thought.ProcessedTag)

	_, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{})
	wantCode(t, err, apperr.FailedPrecondition)

	if _, err := h.proc.Enqueue(context.Background(), user1, "t2", thought.TriggerManual, EnqueueOptions{AllowReprocess: true}); err != nil {
		t.Errorf("Enqueue with AllowReprocess: %v", err)
	}
	if _, err := h.proc.Enqueue(context.Background(), user1, "t3", thought.TriggerReprocess, EnqueueOptions{}); err != nil {
		t.Errorf("Enqueue reprocess: %v", err)
	}
}

// TestEnqueue_ReprocessCap verifies reprocessing stops at the configured maximum.
func TestEnqueue_ReprocessCap(t *testing.T) {
	h := newHarness(t, harnessConfig{maxReprocess: 2})
	h.seed(t, "u1", "t1", "hello")

	for i := 0; i < 2; i++ {
		j := h.enqueueAndRun(t, user1, "t1", thought.TriggerReprocess)
		if j.Status != storage.JobCompleted {
			t.Fatalf("run %d: job status = %s", i, j.Status)
		}
	}
	if got := h.thought(t, "t1").ReprocessCount; got != 2 {
		t.Fatalf("reprocess count = %d, want 2", got)
	}

	_, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerReprocess, EnqueueOptions{})
	wantCode(t, err, apperr.ResourceExhausted)
}

func TestEnqueue_NoApplicableTools(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")

	// Only "work" is requested and the thought has no work tag.
	_, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{ToolSpecIDs: []string{"work"}})
	wantCode(t, err, apperr.FailedPrecondition)

	h.subscribe(t, "u3", entitlement.Subscription{Tier: "pro", Status: "active"})
	h.seed(t, "u3", "t3", "hello")
	_, err = h.proc.Enqueue(context.Background(), Caller{UserID: "u3"}, "t3", thought.TriggerManual, EnqueueOptions{})
	wantCode(t, err, apperr.FailedPrecondition)
}

// TestEnqueue_IntervalLimit verifies a second request inside the minimum
// interval is refused with a retry hint.
func TestEnqueue_IntervalLimit(t *testing.T) {
	h := newHarness(t, harnessConfig{minInterval: 10 * time.Second})
	h.seed(t, "u1", "t1", "hello")
	h.seed(t, "u1", "t2", "world")

	if _, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.clock.Advance(4 * time.Second)

	_, err := h.proc.Enqueue(context.Background(), user1, "t2", thought.TriggerManual, EnqueueOptions{})
	wantCode(t, err, apperr.ResourceExhausted)
	var limit *ratelimit.LimitError
	if !errors.As(err, &limit) {
		t.Fatalf("error %v is not a LimitError", err)
	}
	if limit.RetryAfter != 6*time.Second {
		t.Errorf("retry after = %s, want 6s", limit.RetryAfter)
	}
	if got := h.thought(t, "t2").Status; got != thought.StatusNone {
		t.Errorf("denied thought status = %s, want none", got)
	}

	h.clock.Advance(6 * time.Second)
	if _, err := h.proc.Enqueue(context.Background(), user1, "t2", thought.TriggerManual, EnqueueOptions{}); err != nil {
		t.Errorf("Enqueue after interval: %v", err)
	}
}

// TestAutoTrigger_SilentOnDenial verifies the automatic trigger swallows
// rate-limit and entitlement denials.
func TestAutoTrigger_SilentOnDenial(t *testing.T) {
	h := newHarness(t, harnessConfig{minInterval: time.Minute})
	h.seed(t, "u1", "t1", "hello")
	h.seed(t, "u1", "t2", "world")
	h.subscribe(t, "u2", entitlement.Subscription{Tier: "free"})
	h.seed(t, "u2", "t3", "free user")

	res, err := h.proc.AutoTrigger(context.Background(), user1, "t1")
	if err != nil || res == nil || res.Status != StatusQueued {
		t.Fatalf("AutoTrigger = %+v, %v", res, err)
	}

	res, err = h.proc.AutoTrigger(context.Background(), user1, "t2")
	if err != nil || res != nil {
		t.Errorf("rate limited AutoTrigger = %+v, %v; want nil, nil", res, err)
	}

	res, err = h.proc.AutoTrigger(context.Background(), Caller{UserID: "u2"}, "t3")
	if err != nil || res != nil {
		t.Errorf("denied AutoTrigger = %+v, %v; want nil, nil", res, err)
	}

	_, err = h.proc.AutoTrigger(context.Background(), user1, "missing")
	wantCode(t, err, apperr.NotFound)
}

func TestCreateThought(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	th, res, err := h.proc.CreateThought(context.Background(), user1, "had coffee w/ sar", []string{" food ", "food", ""})
	if err != nil {
		t.Fatalf("CreateThought: %v", err)
	}
	if res == nil || res.Status != StatusQueued {
		t.Fatalf("auto trigger result = %+v", res)
	}
	if th.UserID != "u1" || strings.Join(th.Tags, ",") != "food" {
		t.Errorf("thought = %+v", th)
	}
	if th.Status != thought.StatusPending {
		t.Errorf("status = %s, want pending", th.Status)
	}
	if j := h.job(t, res.JobID); j.Trigger != thought.TriggerAuto {
		t.Errorf("trigger = %s, want auto", j.Trigger)
	}

	_, _, err = h.proc.CreateThought(context.Background(), user1, "   ", nil)
	wantCode(t, err, apperr.InvalidArgument)
}

// TestHandleJob_AppliesActions runs the full pipeline for the coffee thought.
func TestHandleJob_AppliesActions(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "had coffee w/ sar")
	h.store.AddContextItem(context.Background(), thought.ContextItem{
		ID: "fitness-2024", UserID: "u1", Kind: thought.KindGoal, Title: "Get fit", CreatedAt: t0,
	})
	h.prov.proposeFn = respond(
		action("enhanceThought", 0.99, `{"improvedText":"Had coffee with Sarah"}`),
		action("addTag", 0.9, `{"tag":"goal-fitness-2024"}`),
		action("linkToPerson", 0.95, `{"personId":"p-sarah","personName":"Sarah"}`),
		action("addTag", 0.6, `{"tag":"coffee"}`),
		action("addTag", 0.2, `{"tag":"noise"}`),
	)

	j := h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)
	h.notifier.Close()

	if j.Status != storage.JobCompleted || j.Attempts != 1 || j.LeaseUntil != nil {
		t.Errorf("job = %+v", j)
	}

	th := h.thought(t, "t1")
	if th.Text != "Had coffee with Sarah" {
		t.Errorf("text = %q", th.Text)
	}
	if th.Status != thought.StatusCompleted {
		t.Errorf("status = %s, want completed", th.Status)
	}
	if !th.HasTag(thought.ProcessedTag) {
		t.Errorf("tags = %v, want processed", th.Tags)
	}
	if th.OriginalText == nil || *th.OriginalText != "had coffee w/ sar" {
		t.Errorf("original text = %v", th.OriginalText)
	}
	if th.AppliedChanges == nil || !th.AppliedChanges.TextEnhanced || th.AppliedChanges.LinksCreated != 1 {
		t.Fatalf("applied changes = %+v", th.AppliedChanges)
	}
	if th.AppliedChanges.AppliedBy != thought.AppliedByManualTrigger {
		t.Errorf("applied by = %s", th.AppliedChanges.AppliedBy)
	}
	if len(th.Suggestions) != 2 || th.Suggestions[0].Type != "linkToPerson" || th.Suggestions[1].Type != "addTag" {
		t.Errorf("suggestions = %+v", th.Suggestions)
	}

	links, err := h.store.ListLinks(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if len(links) != 1 || links[0].TargetType != "goal" || links[0].TargetID != "fitness-2024" {
		t.Errorf("links = %+v", links)
	}

	hist, err := h.store.ListHistory(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != thought.HistoryCompleted || derefInt(hist[0].TokensUsed) != 120 {
		t.Fatalf("history = %+v", hist)
	}
	if derefInt(hist[0].ChangesApplied) != 2 || derefInt(hist[0].SuggestionsCount) != 2 {
		t.Errorf("history counts = %d changes, %d suggestions", derefInt(hist[0].ChangesApplied), derefInt(hist[0].SuggestionsCount))
	}

	req := h.prov.requests[0]
	if req.Guidance == "" || len(req.Context.Goals) != 1 {
		t.Errorf("provider request = %+v", req)
	}

	day := ratelimit.Day(t0)
	if n, _ := h.store.DailyCount(context.Background(), "u1", day); n != 1 {
		t.Errorf("daily count = %d, want 1", n)
	}
	if n, _ := h.store.GetUsage(context.Background(), "u1", day); n != 1 {
		t.Errorf("usage = %d, want 1", n)
	}
	logs, err := h.store.GetRecentInteractions(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("GetRecentInteractions: %v", err)
	}
	if len(logs) != 1 || logs[0].ThoughtID != "t1" || logs[0].Error != "" {
		t.Errorf("interactions = %+v", logs)
	}
}

// TestHandleJob_ProviderFailure verifies a provider error fails the job and
// the thought, records history and gives the daily unit back.
func TestHandleJob_ProviderFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")
	h.prov.proposeFn = func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{RawPrompt: "prompt"}, errors.New("upstream 502")
	}

	j := h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)
	h.notifier.Close()

	if j.Status != storage.JobFailed || j.Error != "AI provider request failed" {
		t.Errorf("job = %+v", j)
	}
	th := h.thought(t, "t1")
	if th.Status != thought.StatusFailed || th.AIError != "AI provider request failed" {
		t.Errorf("thought status = %s, error = %q", th.Status, th.AIError)
	}

	hist, _ := h.store.ListHistory(context.Background(), "t1")
	if len(hist) != 1 || hist[0].Status != thought.HistoryFailed {
		t.Errorf("history = %+v", hist)
	}
	if n, _ := h.store.DailyCount(context.Background(), "u1", ratelimit.Day(t0)); n != 0 {
		t.Errorf("daily count = %d, want 0 after failure", n)
	}
	logs, _ := h.store.GetRecentInteractions(context.Background(), "u1", 10)
	if len(logs) != 1 || !strings.Contains(logs[0].Error, "upstream 502") {
		t.Errorf("interactions = %+v", logs)
	}
}

func TestHandleJob_ProviderTimeout(t *testing.T) {
	h := newHarness(t, harnessConfig{providerTimeout: 20 * time.Millisecond})
	h.seed(t, "u1", "t1", "hello")
	h.prov.proposeFn = func(ctx context.Context, _ provider.Request) (provider.Response, error) {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}

	j := h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)
	if j.Status != storage.JobFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
	if th := h.thought(t, "t1"); th.Status != thought.StatusFailed || !strings.Contains(th.AIError, "did not respond") {
		t.Errorf("thought status = %s, error = %q", th.Status, th.AIError)
	}
}

// TestHandleJob_DailyLimit verifies a job over the daily cap is marked
// rate_limited without consuming an attempt.
func TestHandleJob_DailyLimit(t *testing.T) {
	h := newHarness(t, harnessConfig{dailyLimit: 1})
	h.seed(t, "u1", "t1", "hello")

	res, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Another run used the only unit between enqueue and execution.
	if _, ok, err := h.store.IncrementDailyIfBelow(context.Background(), "u1", ratelimit.Day(t0), 1); err != nil || !ok {
		t.Fatalf("IncrementDailyIfBelow = %v, %v", ok, err)
	}

	if err := h.proc.HandleJob(context.Background(), h.job(t, res.JobID)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	j := h.job(t, res.JobID)
	if j.Status != storage.JobRateLimited || j.Attempts != 0 {
		t.Errorf("job = %+v, want rate_limited with 0 attempts", j)
	}
	th := h.thought(t, "t1")
	if th.Status != thought.StatusFailed || !strings.Contains(th.AIError, "daily processing limit") {
		t.Errorf("thought status = %s, error = %q", th.Status, th.AIError)
	}
	if h.prov.calls != 0 {
		t.Errorf("provider calls = %d, want 0", h.prov.calls)
	}
	if n, _ := h.store.DailyCount(context.Background(), "u1", ratelimit.Day(t0)); n != 1 {
		t.Errorf("daily count = %d, want 1", n)
	}
}

// TestHandleJob_EntitlementRevoked verifies a job whose owner lost access
// fails and leaves the thought blocked.
func TestHandleJob_EntitlementRevoked(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")

	res, err := h.proc.Enqueue(context.Background(), user1, "t1", thought.TriggerManual, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	zero := 0
	h.subscribe(t, "u1", entitlement.Subscription{Tier: "pro", Status: "active", Entitlements: entitlement.Entitlements{AICreditsRemaining: &zero}})

	if err := h.proc.HandleJob(context.Background(), h.job(t, res.JobID)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	j := h.job(t, res.JobID)
	if j.Status != storage.JobFailed || j.Attempts != 0 {
		t.Errorf("job = %+v", j)
	}
	th := h.thought(t, "t1")
	if th.Status != thought.StatusBlocked || th.AIError != entitlement.Message(entitlement.CodeExhausted) {
		t.Errorf("thought status = %s, error = %q", th.Status, th.AIError)
	}
	if n, _ := h.store.DailyCount(context.Background(), "u1", ratelimit.Day(t0)); n != 0 {
		t.Errorf("daily count = %d, want 0", n)
	}
}

// TestHandleJob_ConcurrentEdit verifies an edit during the provider call
// fails the run instead of overwriting the user's change.
func TestHandleJob_ConcurrentEdit(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")
	h.prov.proposeFn = func(ctx context.Context, _ provider.Request) (provider.Response, error) {
		text := "edited by user"
		if _, err := h.store.ApplyThoughtPatch(ctx, "t1", -1, thought.Patch{Text: &text, UpdatedAt: t0}, nil, nil); err != nil {
			return provider.Response{}, err
		}
		return respond(action("addTag", 0.9, `{"tag":"greeting"}`))(ctx, provider.Request{})
	}

	j := h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)
	if j.Status != storage.JobFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
	th := h.thought(t, "t1")
	if th.Text != "edited by user" || th.HasTag("greeting") {
		t.Errorf("thought = %+v", th)
	}
	if th.Status != thought.StatusFailed {
		t.Errorf("status = %s, want failed", th.Status)
	}
}

func TestHandleJob_NotQueued(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")

	j := h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)
	// Handling a finished job again is a no-op.
	if err := h.proc.HandleJob(context.Background(), j); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	if h.prov.calls != 1 {
		t.Errorf("provider calls = %d, want 1", h.prov.calls)
	}
	if n, _ := h.store.DailyCount(context.Background(), "u1", ratelimit.Day(t0)); n != 1 {
		t.Errorf("daily count = %d, want 1", n)
	}
}

// TestHandleJob_DuplicateJobLeavesRunningJobAlone verifies that a second
// job for a thought already being processed fails by itself without
// touching the thought, so the running job still completes.
func TestHandleJob_DuplicateJobLeavesRunningJobAlone(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "had coffee w/ sar")
	ctx := context.Background()

	for i, id := range []string{"jA", "jB"} {
		_, err := h.store.CreateJob(ctx, storage.Job{
			ID:          id,
			ThoughtID:   "t1",
			UserID:      "u1",
			Trigger:     thought.TriggerManual,
			RequestedAt: t0.Add(time.Duration(i) * time.Second),
			RequestedBy: "user:u1",
		}, thought.StatusPatch(thought.StatusPending, "", t0))
		if err != nil {
			t.Fatalf("CreateJob(%s): %v", id, err)
		}
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	h.prov.proposeFn = func(ctx context.Context, req provider.Request) (provider.Response, error) {
		close(entered)
		<-release
		return respond(action("enhanceThought", 0.99, `{"improvedText":"Had coffee with Sarah"}`))(ctx, req)
	}

	jobA := h.job(t, "jA")
	done := make(chan error, 1)
	go func() { done <- h.proc.HandleJob(ctx, jobA) }()
	<-entered

	if err := h.proc.HandleJob(ctx, h.job(t, "jB")); err != nil {
		t.Fatalf("HandleJob(jB): %v", err)
	}
	if jb := h.job(t, "jB"); jb.Status != storage.JobFailed || jb.Error != "thought is already being processed" {
		t.Errorf("jB = %+v", jb)
	}
	if th := h.thought(t, "t1"); th.Status != thought.StatusProcessing {
		t.Errorf("status after duplicate = %s, want processing", th.Status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("HandleJob(jA): %v", err)
	}
	if ja := h.job(t, "jA"); ja.Status != storage.JobCompleted {
		t.Errorf("jA = %+v, want completed", ja)
	}
	th := h.thought(t, "t1")
	if th.Text != "Had coffee with Sarah" || th.Status != thought.StatusCompleted {
		t.Errorf("thought = %q (%s)", th.Text, th.Status)
	}
	hist, err := h.store.ListHistory(ctx, "t1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != thought.HistoryCompleted {
		t.Errorf("history = %+v", hist)
	}
	if n, _ := h.store.DailyCount(ctx, "u1", ratelimit.Day(t0)); n != 1 {
		t.Errorf("daily count = %d, want 1", n)
	}
}

// TestBaselineKeptAcrossReprocess verifies repeated runs never move the
// original text.
func TestBaselineKeptAcrossReprocess(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "v0")

	for i, text := range []string{"v1", "v2", "v3"} {
		h.prov.proposeFn = respond(action("enhanceThought", 0.99, fmt.Sprintf(`{"improvedText":%q}`, text)))
		trigger := thought.TriggerReprocess
		if i == 0 {
			trigger = thought.TriggerManual
		}
		h.enqueueAndRun(t, user1, "t1", trigger)
	}

	th := h.thought(t, "t1")
	if th.Text != "v3" || th.OriginalText == nil || *th.OriginalText != "v0" {
		t.Errorf("text = %q, original = %v", th.Text, th.OriginalText)
	}
	if th.ReprocessCount != 2 {
		t.Errorf("reprocess count = %d, want 2", th.ReprocessCount)
	}
}

// TestRevert_RestoresPreProcessState verifies revert undoes a processing run.
func TestRevert_RestoresPreProcessState(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "had coffee w/ sar", "food")
	h.prov.proposeFn = respond(
		action("enhanceThought", 0.99, `{"improvedText":"Had coffee with Sarah"}`),
		action("addTag", 0.9, `{"tag":"social"}`),
		action("addTag", 0.7, `{"tag":"cafe"}`),
	)
	h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)

	th, err := h.proc.Revert(context.Background(), user1, "t1")
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if th.Text != "had coffee w/ sar" || strings.Join(th.Tags, ",") != "food" {
		t.Errorf("reverted thought = %q %v", th.Text, th.Tags)
	}
	if th.OriginalText != nil || th.AppliedChanges != nil || len(th.Suggestions) != 0 || th.Status != thought.StatusNone {
		t.Errorf("AI fields not cleared: %+v", th)
	}

	hist, _ := h.store.ListHistory(context.Background(), "t1")
	if len(hist) != 2 || hist[1].Trigger != thought.TriggerRevert || hist[1].RevertedChanges == nil {
		t.Fatalf("history = %+v", hist)
	}
	if !hist[1].RevertedChanges.TextEnhanced {
		t.Error("reverted changes should record the text enhancement")
	}

	_, err = h.proc.Revert(context.Background(), user1, "t1")
	wantCode(t, err, apperr.FailedPrecondition)

	_, err = h.proc.Revert(context.Background(), Caller{UserID: "u9"}, "t1")
	wantCode(t, err, apperr.NotFound)
}

func TestSuggestions_AcceptAndReject(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "lunch with sarah")
	h.prov.proposeFn = respond(
		action("linkToPerson", 0.99, `{"personId":"p-sarah","personName":"Sarah"}`),
		action("addTag", 0.6, `{"tag":"lunch"}`),
	)
	h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)

	th := h.thought(t, "t1")
	if len(th.Suggestions) != 2 {
		t.Fatalf("suggestions = %+v", th.Suggestions)
	}
	personID, tagID := th.Suggestions[0].ID, th.Suggestions[1].ID

	th, err := h.proc.AcceptSuggestion(context.Background(), user1, "t1", personID)
	if err != nil {
		t.Fatalf("AcceptSuggestion: %v", err)
	}
	if th.Suggestions[0].Status != thought.SuggestionAccepted {
		t.Errorf("status = %s, want accepted", th.Suggestions[0].Status)
	}
	links, _ := h.store.ListLinks(context.Background(), "t1")
	if len(links) != 1 || links[0].TargetType != "person" || links[0].TargetID != "p-sarah" {
		t.Errorf("links = %+v", links)
	}

	th, err = h.proc.RejectSuggestion(context.Background(), user1, "t1", tagID)
	if err != nil {
		t.Fatalf("RejectSuggestion: %v", err)
	}
	if th.Suggestions[1].Status != thought.SuggestionRejected || th.HasTag("lunch") {
		t.Errorf("rejected suggestion = %+v, tags = %v", th.Suggestions[1], th.Tags)
	}

	_, err = h.proc.AcceptSuggestion(context.Background(), user1, "t1", tagID)
	wantCode(t, err, apperr.FailedPrecondition)
	_, err = h.proc.AcceptSuggestion(context.Background(), user1, "t1", "missing")
	wantCode(t, err, apperr.NotFound)
}

// TestGuest verifies guests are gated by their session record and may use
// the override key.
func TestGuest(t *testing.T) {
	h := newHarness(t, harnessConfig{guestKey: "letmein"})
	ctx := context.Background()
	for _, g := range []entitlement.GuestSession{
		{ID: "open", AIAllowed: true, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
		{ID: "closed", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	} {
		if err := h.store.CreateGuestSession(ctx, g); err != nil {
			t.Fatalf("CreateGuestSession: %v", err)
		}
	}
	h.seed(t, "guest:open", "g1", "guest thought")
	h.seed(t, "guest:closed", "g2", "guest thought")
	h.seed(t, "guest:closed", "g3", "guest thought")

	open := Caller{GuestSessionID: "open"}
	if open.Owner() != "guest:open" || !open.IsGuest() {
		t.Fatalf("owner = %q", open.Owner())
	}
	j := h.enqueueAndRun(t, open, "g1", thought.TriggerManual)
	if j.Status != storage.JobCompleted || j.UserID != "guest:open" {
		t.Errorf("job = %+v", j)
	}

	keyed := Caller{GuestSessionID: "closed", GuestKey: "letmein"}
	j = h.enqueueAndRun(t, keyed, "g2", thought.TriggerManual)
	if j.Status != storage.JobCompleted || j.RequestedBy != "guest-key:closed" {
		t.Errorf("job = %+v", j)
	}

	_, err := h.proc.Enqueue(ctx, Caller{GuestSessionID: "closed", GuestKey: "wrong"}, "g3", thought.TriggerManual, EnqueueOptions{})
	wantCode(t, err, apperr.PermissionDenied)
	sess, err := h.store.GetGuestSession(ctx, "closed")
	if err != nil || sess == nil || !sess.MarkedForCleanup {
		t.Errorf("session = %+v, %v; want marked for cleanup", sess, err)
	}
}

func TestJobAndHistoryAccess(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.seed(t, "u1", "t1", "hello")
	j := h.enqueueAndRun(t, user1, "t1", thought.TriggerManual)

	got, err := h.proc.Job(context.Background(), user1, j.ID)
	if err != nil || got.ID != j.ID {
		t.Fatalf("Job = %+v, %v", got, err)
	}
	_, err = h.proc.Job(context.Background(), Caller{UserID: "u2"}, j.ID)
	wantCode(t, err, apperr.NotFound)

	hist, err := h.proc.History(context.Background(), user1, "t1")
	if err != nil || len(hist) != 1 {
		t.Errorf("History = %+v, %v", hist, err)
	}
	_, err = h.proc.Thought(context.Background(), Caller{}, "t1")
	wantCode(t, err, apperr.Unauthenticated)
}

func TestThoughts_ListsOwnNewestFirst(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	for i, id := range []string{"t1", "t2", "t3"} {
		_, err := h.store.CreateThought(ctx, thought.Thought{
			ID: id, UserID: "u1", Text: id, Tags: []string{},
			CreatedAt: t0.Add(time.Duration(i) * time.Minute), UpdatedAt: t0,
		})
		if err != nil {
			t.Fatalf("CreateThought(%s): %v", id, err)
		}
	}
	h.seed(t, "u2", "other", "not mine")

	got, err := h.proc.Thoughts(ctx, user1, 2)
	if err != nil {
		t.Fatalf("Thoughts: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t3" || got[1].ID != "t2" {
		t.Errorf("Thoughts = %+v", got)
	}

	got, err = h.proc.Thoughts(ctx, Caller{UserID: "nobody"}, 0)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("Thoughts(nobody) = %v, %v; want empty list", got, err)
	}

	_, err = h.proc.Thoughts(ctx, Caller{}, 0)
	wantCode(t, err, apperr.Unauthenticated)
}
