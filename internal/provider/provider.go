// Package provider asks an LLM for proposed actions on a thought.
package provider

import (
	"context"

	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/thought"
)

// Request is everything the model sees for one thought.
type Request struct {
	Text     string
	Tags     []string
	Context  thought.Context
	Guidance string
}

// Response carries the proposed actions plus the raw exchange for logging.
type Response struct {
	Actions     []arbiter.RawAction
	Usage       thought.TokenUsage
	RawPrompt   string
	RawResponse string
}

// Provider proposes actions for a thought.
type Provider interface {
	Propose(ctx context.Context, req Request) (Response, error)
}
