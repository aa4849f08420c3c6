package processor

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
)

// EnqueueStatus tells the caller whether a new job was created.
type EnqueueStatus string

const (
	StatusQueued        EnqueueStatus = "queued"
	StatusAlreadyQueued EnqueueStatus = "alreadyQueued"
)

// EnqueueResult identifies the job that will process the thought.
type EnqueueResult struct {
	JobID  string        `json:"job_id"`
	Status EnqueueStatus `json:"status"`
}

// EnqueueOptions narrow a processing request.
type EnqueueOptions struct {
	// ToolSpecIDs restricts processing to these tools. Empty means every
	// applicable enrolled tool.
	ToolSpecIDs    []string
	AllowReprocess bool
}

var errNoTools = apperr.New(apperr.FailedPrecondition, "no applicable tools are enabled for this thought")

// Enqueue admits a processing request and queues a job for it. A thought
// with a queued or running job returns that job with StatusAlreadyQueued.
func (p *Processor) Enqueue(ctx context.Context, c Caller, thoughtID string, trigger thought.Trigger, opts EnqueueOptions) (EnqueueResult, error) {
	if err := p.authenticate(c); err != nil {
		return EnqueueResult{}, err
	}
	thoughtID = strings.TrimSpace(thoughtID)
	if thoughtID == "" {
		return EnqueueResult{}, apperr.New(apperr.InvalidArgument, "thought id is required")
	}
	if !trigger.Valid() {
		return EnqueueResult{}, apperr.New(apperr.InvalidArgument, "unknown trigger %q", trigger)
	}

	if err := p.verify(ctx, c); err != nil {
		return EnqueueResult{}, err
	}

	t, err := p.loadOwned(ctx, c, thoughtID)
	if err != nil {
		return EnqueueResult{}, err
	}

	if trigger == thought.TriggerReprocess {
		opts.AllowReprocess = true
		if p.maxReprocess > 0 && t.ReprocessCount >= p.maxReprocess {
			return EnqueueResult{}, apperr.New(apperr.ResourceExhausted,
				"this thought has been reprocessed the maximum of %d times", p.maxReprocess)
		}
	}
	if t.HasTag(thought.ProcessedTag) && !opts.AllowReprocess {
		return EnqueueResult{}, apperr.New(apperr.FailedPrecondition, "thought has already been processed")
	}

	live, err := p.store.FindLiveJob(ctx, t.ID)
	if err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.Internal, err, "looking up existing jobs failed")
	}
	if live != nil {
		return EnqueueResult{JobID: live.ID, Status: StatusAlreadyQueued}, nil
	}

	tools, err := p.resolveTools(ctx, c, t, opts.ToolSpecIDs)
	if err != nil {
		return EnqueueResult{}, err
	}

	owner := c.Owner()
	if err := p.limiter.PeekDaily(ctx, owner); err != nil {
		return EnqueueResult{}, classifyLimit(err)
	}
	if err := p.limiter.CheckInterval(ctx, owner); err != nil {
		return EnqueueResult{}, classifyLimit(err)
	}

	now := p.now().UTC()
	job := storage.Job{
		ID:          p.newID(),
		ThoughtID:   t.ID,
		UserID:      owner,
		Trigger:     trigger,
		RequestedAt: now,
		RequestedBy: p.principal(c),
		ToolSpecIDs: tools,
	}
	if _, err := p.store.CreateJob(ctx, job, thought.StatusPatch(thought.StatusPending, "", now)); err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.Internal, err, "creating job failed")
	}

	p.logger.Info("processing job queued", "job_id", job.ID, "thought_id", t.ID, "trigger", trigger, "tools", tools)
	return EnqueueResult{JobID: job.ID, Status: StatusQueued}, nil
}

// AutoTrigger queues processing for a freshly created thought. Denials by
// the rate limiter or entitlements, and thoughts no tool applies to, are
// not errors: nothing was requested explicitly, so it returns (nil, nil).
func (p *Processor) AutoTrigger(ctx context.Context, c Caller, thoughtID string) (*EnqueueResult, error) {
	res, err := p.Enqueue(ctx, c, thoughtID, thought.TriggerAuto, EnqueueOptions{})
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.ResourceExhausted, apperr.PermissionDenied, apperr.FailedPrecondition:
			p.logger.Info("automatic processing skipped", "thought_id", thoughtID, "reason", apperr.MessageOf(err))
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

// CreateThought stores a new thought for the caller and runs the automatic
// trigger on it. The returned result is nil when nothing was queued.
func (p *Processor) CreateThought(ctx context.Context, c Caller, text string, tags []string) (thought.Thought, *EnqueueResult, error) {
	if err := p.authenticate(c); err != nil {
		return thought.Thought{}, nil, err
	}
	if strings.TrimSpace(text) == "" {
		return thought.Thought{}, nil, apperr.New(apperr.InvalidArgument, "text is required")
	}
	now := p.now().UTC()
	t, err := p.store.CreateThought(ctx, thought.Thought{
		ID:        p.newID(),
		UserID:    c.Owner(),
		Text:      text,
		Tags:      normalizeTags(tags),
		Status:    thought.StatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return thought.Thought{}, nil, apperr.Wrap(apperr.Internal, err, "creating thought failed")
	}

	res, err := p.AutoTrigger(ctx, c, t.ID)
	if err != nil {
		p.logger.Warn("automatic processing failed", "thought_id", t.ID, "error", err)
		return t, nil, nil
	}
	if res != nil {
		if t, err = p.store.GetThought(ctx, t.ID); err != nil {
			return thought.Thought{}, nil, apperr.Wrap(apperr.Internal, err, "reloading thought failed")
		}
	}
	return t, res, nil
}

func (p *Processor) resolveTools(ctx context.Context, c Caller, t thought.Thought, requested []string) ([]string, error) {
	var enrolled []string
	if c.IsGuest() {
		for _, s := range p.catalog.Specs() {
			enrolled = append(enrolled, s.ID)
		}
	} else {
		var err error
		enrolled, err = p.store.EnrolledTools(ctx, c.UserID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "loading tool enrollment failed")
		}
	}
	tools := p.catalog.Resolve(t, enrolled, requested)
	if len(tools) == 0 {
		return nil, errNoTools
	}
	return tools, nil
}

// loadOwned returns the thought when it belongs to the caller. Thoughts of
// other owners are reported as missing.
func (p *Processor) loadOwned(ctx context.Context, c Caller, id string) (thought.Thought, error) {
	t, err := p.store.GetThought(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && t.UserID != c.Owner()) {
		return thought.Thought{}, apperr.New(apperr.NotFound, "thought %s not found", id)
	}
	if err != nil {
		return thought.Thought{}, apperr.Wrap(apperr.Internal, err, "loading thought failed")
	}
	return t, nil
}

func classifyLimit(err error) error {
	if apperr.Is(err, apperr.ResourceExhausted) {
		return err
	}
	return apperr.Wrap(apperr.Internal, err, "checking rate limits failed")
}

func normalizeTags(tags []string) []string {
	out := []string{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

