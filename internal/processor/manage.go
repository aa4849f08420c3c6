package processor

import (
	"context"
	"errors"
	"strings"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
	"github.com/kalambet/thoughtd/internal/update"
)

// Revert restores the thought to its pre-AI text and tags and clears every
// AI-derived field. It fails with "nothing to revert" when no AI changes
// are recorded.
func (p *Processor) Revert(ctx context.Context, c Caller, thoughtID string) (thought.Thought, error) {
	t, err := p.load(ctx, c, thoughtID)
	if err != nil {
		return thought.Thought{}, err
	}
	patch, entry, err := update.Revert(t, p.now())
	if err != nil {
		return thought.Thought{}, err
	}
	out, err := p.store.ApplyThoughtPatch(ctx, t.ID, t.Version, patch, &entry, nil)
	if err != nil {
		return thought.Thought{}, writeError(err, "reverting thought failed")
	}
	p.logger.Info("thought reverted", "thought_id", t.ID, "reverted_tags", len(entry.RevertedChanges.TagsAdded))
	return out, nil
}

// AcceptSuggestion applies a pending suggestion to the thought.
func (p *Processor) AcceptSuggestion(ctx context.Context, c Caller, thoughtID, suggestionID string) (thought.Thought, error) {
	t, err := p.load(ctx, c, thoughtID)
	if err != nil {
		return thought.Thought{}, err
	}
	patch, links, err := update.Accept(t, suggestionID, p.now())
	if err != nil {
		return thought.Thought{}, err
	}
	out, err := p.store.ApplyThoughtPatch(ctx, t.ID, t.Version, patch, nil, links)
	if err != nil {
		return thought.Thought{}, writeError(err, "accepting suggestion failed")
	}
	p.logger.Info("suggestion accepted", "thought_id", t.ID, "suggestion_id", suggestionID, "links", len(links))
	return out, nil
}

// RejectSuggestion marks a pending suggestion rejected.
func (p *Processor) RejectSuggestion(ctx context.Context, c Caller, thoughtID, suggestionID string) (thought.Thought, error) {
	t, err := p.load(ctx, c, thoughtID)
	if err != nil {
		return thought.Thought{}, err
	}
	patch, err := update.Reject(t, suggestionID, p.now())
	if err != nil {
		return thought.Thought{}, err
	}
	out, err := p.store.ApplyThoughtPatch(ctx, t.ID, t.Version, patch, nil, nil)
	if err != nil {
		return thought.Thought{}, writeError(err, "rejecting suggestion failed")
	}
	return out, nil
}

// Thought returns one of the caller's thoughts.
func (p *Processor) Thought(ctx context.Context, c Caller, thoughtID string) (thought.Thought, error) {
	return p.load(ctx, c, thoughtID)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Thoughts returns the caller's most recent thoughts, newest first. A
// limit <= 0 means the default page size.
func (p *Processor) Thoughts(ctx context.Context, c Caller, limit int) ([]thought.Thought, error) {
	if err := p.authenticate(c); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	out, err := p.store.ListThoughts(ctx, c.Owner(), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing thoughts failed")
	}
	if out == nil {
		out = []thought.Thought{}
	}
	return out, nil
}

// History returns the processing history of one of the caller's thoughts.
func (p *Processor) History(ctx context.Context, c Caller, thoughtID string) ([]thought.HistoryEntry, error) {
	t, err := p.load(ctx, c, thoughtID)
	if err != nil {
		return nil, err
	}
	entries, err := p.store.ListHistory(ctx, t.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "loading history failed")
	}
	if entries == nil {
		entries = []thought.HistoryEntry{}
	}
	return entries, nil
}

// Job returns one of the caller's processing jobs.
func (p *Processor) Job(ctx context.Context, c Caller, jobID string) (storage.Job, error) {
	if err := p.authenticate(c); err != nil {
		return storage.Job{}, err
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return storage.Job{}, apperr.New(apperr.InvalidArgument, "job id is required")
	}
	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && job.UserID != c.Owner()) {
		return storage.Job{}, apperr.New(apperr.NotFound, "job %s not found", jobID)
	}
	if err != nil {
		return storage.Job{}, apperr.Wrap(apperr.Internal, err, "loading job failed")
	}
	return job, nil
}

func (p *Processor) load(ctx context.Context, c Caller, thoughtID string) (thought.Thought, error) {
	if err := p.authenticate(c); err != nil {
		return thought.Thought{}, err
	}
	thoughtID = strings.TrimSpace(thoughtID)
	if thoughtID == "" {
		return thought.Thought{}, apperr.New(apperr.InvalidArgument, "thought id is required")
	}
	return p.loadOwned(ctx, c, thoughtID)
}

func writeError(err error, msg string) error {
	if errors.Is(err, storage.ErrConflict) {
		return apperr.Wrap(apperr.FailedPrecondition, err, "thought changed concurrently, try again")
	}
	return apperr.Wrap(apperr.Internal, err, msg)
}
