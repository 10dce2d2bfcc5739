package stats

import (
	"context"
	"fmt"
)

// eventJournal remembers which aggregate updates of an event are still
// outstanding, keyed by the event hash
type eventJournal interface {
	// begin records the event with every step pending if it is new and
	// returns the steps not yet applied. An empty result means the event
	// was fully counted before.
	begin(ctx context.Context, hash string, steps []string) ([]string, error)
	// done marks one step of the event as applied
	done(ctx context.Context, hash, step string) error
}

// step is one aggregate update of an event, usually one player's document
type step struct {
	name  string
	apply func(ctx context.Context) error
}

// applySteps runs the pending steps of an event in order. A failed step
// stays pending, so redelivery of the event retries it without repeating
// the steps that already went through.
func applySteps(ctx context.Context, j eventJournal, hash string, steps []step) (bool, error) {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	pending, err := j.begin(ctx, hash, names)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	todo := make(map[string]bool, len(pending))
	for _, name := range pending {
		todo[name] = true
	}
	for _, s := range steps {
		if !todo[s.name] {
			continue
		}
		if err := s.apply(ctx); err != nil {
			return false, err
		}
		if err := j.done(ctx, hash, s.name); err != nil {
			return false, fmt.Errorf("failed to mark %s applied: %w", s.name, err)
		}
	}
	return true, nil
}
