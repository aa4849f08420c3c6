package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/provider"
	"github.com/kalambet/thoughtd/internal/ratelimit"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
	"github.com/kalambet/thoughtd/internal/update"
)

// HandleJob runs one leased job to a terminal state. Every path that gets
// past the lease writes the job outcome and the thought status together;
// the returned error only reports failures to record that outcome.
func (p *Processor) HandleJob(ctx context.Context, job storage.Job) error {
	log := p.logger.With("job_id", job.ID, "thought_id", job.ThoughtID)
	caller := p.callerFromJob(job)

	day, err := p.limiter.ReserveDaily(ctx, job.UserID)
	if err != nil {
		var limit *ratelimit.LimitError
		if errors.As(err, &limit) {
			log.Info("job rate limited", "retry_after", limit.RetryAfter)
			return p.finishWithStatus(ctx, job, storage.JobRateLimited, thought.StatusFailed, limit.Error())
		}
		log.Error("reserving daily quota failed", "error", err)
		return p.finishWithStatus(ctx, job, storage.JobFailed, thought.StatusFailed, "checking rate limits failed")
	}

	if err := p.verify(ctx, caller); err != nil {
		p.releaseDaily(ctx, job.UserID, day)
		if apperr.Is(err, apperr.PermissionDenied) {
			log.Info("job blocked by entitlement", "reason", apperr.MessageOf(err))
			return p.finishWithStatus(ctx, job, storage.JobFailed, thought.StatusBlocked, apperr.MessageOf(err))
		}
		log.Error("checking entitlement failed", "error", err)
		return p.finishWithStatus(ctx, job, storage.JobFailed, thought.StatusFailed, apperr.MessageOf(err))
	}

	started, err := p.store.StartJob(ctx, job.ID, p.now().UTC(), p.Lease())
	if err != nil {
		p.releaseDaily(ctx, job.UserID, day)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			log.Warn("job no longer queued", "error", err)
			return nil
		}
		return fmt.Errorf("starting job %s: %w", job.ID, err)
	}
	log.Info("processing job started", "attempt", started.Attempts, "trigger", started.Trigger)

	run, err := p.process(ctx, started, caller)
	if err == nil {
		err = p.store.FinishJob(ctx, started.ID, run.now, storage.Outcome{
			Status:         storage.JobCompleted,
			ThoughtPatch:   &run.patch,
			ThoughtVersion: run.version,
			History:        &run.entry,
			Links:          run.links,
		})
		if errors.Is(err, storage.ErrConflict) {
			err = apperr.Wrap(apperr.FailedPrecondition, err, "thought changed while it was being processed")
		}
	}
	if err != nil {
		p.releaseDaily(ctx, job.UserID, day)
		if errors.Is(err, errRunInFlight) {
			return p.dropDuplicate(ctx, started, err)
		}
		return p.fail(ctx, started, err)
	}

	log.Info("processing job completed",
		"changes_applied", derefInt(run.entry.ChangesApplied),
		"suggestions", derefInt(run.entry.SuggestionsCount),
		"links", len(run.links),
	)
	p.notifyUsage(job.UserID, day)
	return nil
}

// errRunInFlight marks a job that found its thought owned by another run.
var errRunInFlight = errors.New("another job is processing the thought")

// processRun is the computed, not yet persisted result of a processing run.
type processRun struct {
	patch   thought.Patch
	version int
	entry   thought.HistoryEntry
	links   []thought.LinkRequest
	now     time.Time
}

// process is the body of a processing run: it marks the thought processing,
// asks the provider for actions and computes the update to persist.
func (p *Processor) process(ctx context.Context, job storage.Job, caller Caller) (processRun, error) {
	t, err := p.store.GetThought(ctx, job.ThoughtID)
	if errors.Is(err, storage.ErrNotFound) {
		return processRun{}, apperr.New(apperr.NotFound, "thought %s not found", job.ThoughtID)
	}
	if err != nil {
		return processRun{}, apperr.Wrap(apperr.Internal, err, "loading thought failed")
	}
	if t.Status == thought.StatusProcessing {
		return processRun{}, apperr.Wrap(apperr.FailedPrecondition, errRunInFlight, "thought is already being processed")
	}

	if err := p.verify(ctx, caller); err != nil {
		return processRun{}, err
	}

	t, err = p.store.ApplyThoughtPatch(ctx, t.ID, t.Version,
		thought.StatusPatch(thought.StatusProcessing, "", p.now().UTC()), nil, nil)
	if err != nil {
		return processRun{}, apperr.Wrap(apperr.Internal, err, "marking thought processing failed")
	}

	tctx, err := GatherContext(ctx, p.context, t.UserID, contextItemLimit)
	if err != nil {
		return processRun{}, apperr.Wrap(apperr.Internal, err, "gathering context failed")
	}

	resp, err := p.propose(ctx, job, provider.Request{
		Text:     t.Text,
		Tags:     t.Tags,
		Context:  tctx,
		Guidance: p.catalog.Guidance(job.ToolSpecIDs),
	})
	if err != nil {
		return processRun{}, err
	}

	res := p.arbiter.Arbitrate(resp.Actions, t)
	now := p.now().UTC()
	patch, entry := update.Build(t, res, resp.Usage, job.Trigger, now)
	return processRun{
		patch:   patch,
		version: t.Version,
		entry:   entry,
		links:   res.LinksToCreate,
		now:     now,
	}, nil
}

// propose calls the provider under the configured deadline and logs the
// exchange whether or not it succeeded.
func (p *Processor) propose(ctx context.Context, job storage.Job, req provider.Request) (provider.Response, error) {
	pctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	defer cancel()

	resp, err := p.provider.Propose(pctx, req)
	p.notifyInteraction(job, resp, err)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resp, apperr.Wrap(apperr.Internal, err, fmt.Sprintf("AI provider did not respond within %s", p.providerTimeout))
	}
	return resp, apperr.Wrap(apperr.Internal, err, "AI provider request failed")
}

// fail records a failed run on the job and the thought. Entitlement
// denials leave the thought blocked rather than failed.
func (p *Processor) fail(ctx context.Context, job storage.Job, cause error) error {
	now := p.now().UTC()
	msg := apperr.MessageOf(cause)
	p.logger.Warn("processing job failed", "job_id", job.ID, "thought_id", job.ThoughtID, "error", cause)

	out := storage.Outcome{Status: storage.JobFailed, Error: msg}
	if !apperr.Is(cause, apperr.NotFound) {
		patch, entry := update.Failure(thought.Thought{ID: job.ThoughtID}, job.Trigger, cause, now)
		if apperr.Is(cause, apperr.PermissionDenied) {
			blocked := thought.StatusBlocked
			patch.Status = &blocked
		}
		out.ThoughtPatch = &patch
		out.History = &entry
	}
	if err := p.store.FinishJob(ctx, job.ID, now, out); err != nil {
		return fmt.Errorf("recording failure of job %s: %w", job.ID, err)
	}
	return nil
}

// dropDuplicate fails a job whose thought belongs to another running job.
// The thought and its history stay with that job.
func (p *Processor) dropDuplicate(ctx context.Context, job storage.Job, cause error) error {
	p.logger.Warn("duplicate processing job dropped", "job_id", job.ID, "thought_id", job.ThoughtID)
	err := p.store.FinishJob(ctx, job.ID, p.now().UTC(), storage.Outcome{
		Status: storage.JobFailed,
		Error:  apperr.MessageOf(cause),
	})
	if err != nil {
		return fmt.Errorf("recording duplicate job %s: %w", job.ID, err)
	}
	return nil
}

// finishWithStatus ends a job that never started processing.
func (p *Processor) finishWithStatus(ctx context.Context, job storage.Job, status storage.JobStatus, ts thought.Status, msg string) error {
	now := p.now().UTC()
	patch := thought.StatusPatch(ts, msg, now)
	err := p.store.FinishJob(ctx, job.ID, now, storage.Outcome{
		Status:       status,
		Error:        msg,
		ThoughtPatch: &patch,
	})
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("job no longer queued", "job_id", job.ID, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Processor) releaseDaily(ctx context.Context, userID, day string) {
	if err := p.limiter.ReleaseDaily(ctx, userID, day); err != nil {
		p.logger.Warn("releasing daily quota failed", "user_id", userID, "error", err)
	}
}

func (p *Processor) notifyUsage(userID, day string) {
	p.notifier.Notify("usage", func(ctx context.Context) error {
		return p.recorder.IncrementUsage(ctx, userID, day)
	})
}

func (p *Processor) notifyInteraction(job storage.Job, resp provider.Response, callErr error) {
	actions := resp.Actions
	if actions == nil {
		actions = []arbiter.RawAction{}
	}
	encoded, err := json.Marshal(actions)
	if err != nil {
		encoded = []byte("[]")
	}
	i := storage.Interaction{
		ID:          p.newID(),
		UserID:      job.UserID,
		ThoughtID:   job.ThoughtID,
		Trigger:     job.Trigger,
		Prompt:      resp.RawPrompt,
		RawResponse: resp.RawResponse,
		ActionsJSON: string(encoded),
		Usage:       resp.Usage,
		CreatedAt:   p.now().UTC(),
	}
	if callErr != nil {
		i.Error = callErr.Error()
	}
	p.notifier.Notify("interaction", func(ctx context.Context) error {
		return p.recorder.SaveInteraction(ctx, i)
	})
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
