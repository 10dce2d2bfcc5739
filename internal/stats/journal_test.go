package stats

import (
	"context"
	"errors"
	"testing"
)

type memJournal struct {
	pending map[string][]string
}

func (j *memJournal) begin(ctx context.Context, hash string, steps []string) ([]string, error) {
	if p, ok := j.pending[hash]; ok {
		return p, nil
	}
	j.pending[hash] = append([]string(nil), steps...)
	return steps, nil
}

func (j *memJournal) done(ctx context.Context, hash, step string) error {
	kept := j.pending[hash][:0]
	for _, s := range j.pending[hash] {
		if s != step {
			kept = append(kept, s)
		}
	}
	j.pending[hash] = kept
	return nil
}

func TestApplySteps_RedeliveryFinishesPartialUpdate(t *testing.T) {
	j := &memJournal{pending: map[string][]string{}}
	ctx := context.Background()

	kills, deaths := 0, 0
	victimErr := errors.New("write concern timeout")
	steps := []step{
		{name: "killer", apply: func(context.Context) error { kills++; return nil }},
		{name: "victim", apply: func(context.Context) error {
			if victimErr != nil {
				return victimErr
			}
			deaths++
			return nil
		}},
	}

	applied, err := applySteps(ctx, j, "h1", steps)
	if !errors.Is(err, victimErr) || applied {
		t.Fatalf("first delivery: applied=%v err=%v, want victim error", applied, err)
	}
	if kills != 1 || deaths != 0 {
		t.Fatalf("after failure kills/deaths = %d/%d, want 1/0", kills, deaths)
	}

	victimErr = nil
	applied, err = applySteps(ctx, j, "h1", steps)
	if err != nil || !applied {
		t.Fatalf("redelivery: applied=%v err=%v", applied, err)
	}
	if kills != 1 || deaths != 1 {
		t.Errorf("after redelivery kills/deaths = %d/%d, want 1/1", kills, deaths)
	}

	applied, err = applySteps(ctx, j, "h1", steps)
	if err != nil || applied {
		t.Fatalf("duplicate: applied=%v err=%v, want skipped", applied, err)
	}
	if kills != 1 || deaths != 1 {
		t.Errorf("duplicate changed counters to %d/%d", kills, deaths)
	}
}

func TestApplySteps_FirstStepFailureKeepsEverythingPending(t *testing.T) {
	j := &memJournal{pending: map[string][]string{}}
	boom := errors.New("boom")
	calls := 0
	steps := []step{
		{name: "victim", apply: func(context.Context) error { calls++; return boom }},
	}

	if _, err := applySteps(context.Background(), j, "h2", steps); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := j.pending["h2"]; len(got) != 1 || got[0] != "victim" {
		t.Errorf("pending = %v, want [victim]", got)
	}
	steps[0].apply = func(context.Context) error { calls++; return nil }
	if applied, err := applySteps(context.Background(), j, "h2", steps); err != nil || !applied {
		t.Fatalf("retry: applied=%v err=%v", applied, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}
