package processor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/thoughtd/internal/thought"
)

// GatherContext reads a bounded snapshot of every context kind for userID
// concurrently.
func GatherContext(ctx context.Context, src ContextSource, userID string, limit int) (thought.Context, error) {
	results := make([][]thought.ContextItem, len(thought.ContextKinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range thought.ContextKinds {
		g.Go(func() error {
			items, err := src.ListContextItems(gctx, userID, kind, limit)
			if err != nil {
				return fmt.Errorf("listing %s context: %w", kind, err)
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return thought.Context{}, err
	}

	var out thought.Context
	for i, kind := range thought.ContextKinds {
		out.Set(kind, results[i])
	}
	return out, nil
}
