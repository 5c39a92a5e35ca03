package retry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
	"github.com/djlord-it/reportcron/internal/ledger"
	"github.com/djlord-it/reportcron/internal/retry"
	"github.com/djlord-it/reportcron/internal/store/memory"
	"github.com/djlord-it/reportcron/internal/testutil"
)

// admitAll marks runs admitted without a controller.
type admitAll struct {
	ledger *ledger.Ledger

	mu        sync.Mutex
	submitted []uuid.UUID
}

func (s *admitAll) Submit(ctx context.Context, run domain.ExecutionRun) (bool, error) {
	s.mu.Lock()
	s.submitted = append(s.submitted, run.ID)
	s.mu.Unlock()
	if _, err := s.ledger.MarkAdmitted(ctx, run.ID); err != nil {
		return false, err
	}
	return true, nil
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	engine *retry.Engine
	sub    *admitAll
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	l := ledger.New(store).WithClock(clock.Now)
	sub := &admitAll{ledger: l}
	policy := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5, Jitter: 0.2}
	engine := retry.NewEngine(l, store, sub, policy).
		WithClock(clock.Now).
		WithRand(func() float64 { return 0.5 })
	return &fixture{store: store, ledger: l, engine: engine, sub: sub, clock: clock}
}

func (f *fixture) newAdmittedRun(t *testing.T, key string) domain.ExecutionRun {
	t.Helper()
	ctx := context.Background()
	run, _, err := f.ledger.CreateIfAbsent(ctx, ledger.NewRun{
		TenantID:       uuid.New(),
		IdempotencyKey: key,
		IntendedFireAt: f.clock.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.MarkAdmitted(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	return run
}

// attempt claims the run once its retry delay passed and reports err.
func (f *fixture) attempt(t *testing.T, id uuid.UUID, err error) domain.ExecutionRun {
	t.Helper()
	ctx := context.Background()
	f.clock.Advance(2 * time.Minute)
	if _, cerr := f.ledger.Claim(ctx, id, "worker-1"); cerr != nil {
		t.Fatalf("Claim: %v", cerr)
	}
	run, cerr := f.engine.Complete(ctx, id, err)
	if cerr != nil {
		t.Fatalf("Complete: %v", cerr)
	}
	return run
}

func TestComplete_TransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")

	transient := domain.NewExecutionError(domain.ErrorKindUpstreamUnavailable, "503")
	for i := 1; i <= 4; i++ {
		got := f.attempt(t, run.ID, transient)
		if got.Status != domain.RunStatusQueued {
			t.Fatalf("attempt %d: status %s, want queued", i, got.Status)
		}
		if got.NextAttemptAt == nil {
			t.Fatalf("attempt %d: next attempt not set", i)
		}
	}

	got := f.attempt(t, run.ID, nil)
	if got.Status != domain.RunStatusSucceeded {
		t.Fatalf("status: got %s, want succeeded", got.Status)
	}
	if got.Attempts != 5 {
		t.Errorf("attempts: got %d, want 5", got.Attempts)
	}
	if len(got.History) != 4 {
		t.Errorf("history: got %d records, want 4", len(got.History))
	}

	depth, _ := f.engine.Depth(ctx)
	if depth != 0 {
		t.Errorf("dead letters: got %d, want 0", depth)
	}
}

func TestComplete_RetryDelayFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")

	if _, err := f.ledger.Claim(ctx, run.ID, "w"); err != nil {
		t.Fatal(err)
	}
	got, err := f.engine.Complete(ctx, run.ID, context.DeadlineExceeded)
	if err != nil {
		t.Fatal(err)
	}
	want := f.clock.Now().Add(time.Second)
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt: got %v, want %v", got.NextAttemptAt, want)
	}
	if got.LastErrorKind != domain.ErrorKindTimeout {
		t.Errorf("kind: got %s, want timeout", got.LastErrorKind)
	}

	// Not claimable before the delay.
	if _, err := f.ledger.Claim(ctx, run.ID, "w"); !errors.Is(err, ledger.ErrClaimConflict) {
		t.Fatalf("early claim: got %v, want ErrClaimConflict", err)
	}
}

func TestComplete_PermanentNeverRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")

	got := f.attempt(t, run.ID, domain.NewExecutionError(domain.ErrorKindValidation, "bad template"))
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("status: got %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", got.Attempts)
	}

	page, err := f.engine.ListDeadLetters(ctx, true, nil, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(page.Entries))
	}
	e := page.Entries[0]
	if e.RunID != run.ID || e.Kind != domain.ErrorKindValidation || e.Class != domain.FailurePermanent {
		t.Errorf("entry: %+v", e)
	}
	if len(e.History) != 1 || e.History[0].Message != "validation: bad template" {
		t.Errorf("history: %+v", e.History)
	}
}

func TestComplete_ExhaustedTransientDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")

	var got domain.ExecutionRun
	for i := 1; i <= 5; i++ {
		got = f.attempt(t, run.ID, fmt.Errorf("boom %d", i))
	}
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("status: got %s, want failed", got.Status)
	}
	if got.Attempts != 5 {
		t.Errorf("attempts: got %d, want 5", got.Attempts)
	}

	page, _ := f.engine.ListDeadLetters(ctx, false, nil, "", 10)
	if len(page.Entries) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(page.Entries))
	}
	if len(page.Entries[0].History) != 5 {
		t.Errorf("history: got %d, want 5", len(page.Entries[0].History))
	}
	if page.Entries[0].Class != domain.FailureTransient {
		t.Errorf("class: got %s", page.Entries[0].Class)
	}
}

func TestComplete_RejectsNonRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")

	_, err := f.engine.Complete(ctx, run.ID, errors.New("x"))
	if !errors.Is(err, retry.ErrRunNotRunning) {
		t.Fatalf("got %v, want ErrRunNotRunning", err)
	}
}

func TestReplay_RepeatSafe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")
	f.attempt(t, run.ID, domain.NewExecutionError(domain.ErrorKindNotFound, "gone"))

	page, _ := f.engine.ListDeadLetters(ctx, true, nil, "", 10)
	entry := page.Entries[0]

	first, err := f.engine.Replay(ctx, entry.ID, "")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if first.Source != domain.TriggerSourceReplay || first.Status != domain.RunStatusQueued {
		t.Fatalf("replay run: %+v", first)
	}
	if first.IdempotencyKey == run.IdempotencyKey {
		t.Fatal("replay must use a fresh key")
	}

	second, err := f.engine.Replay(ctx, entry.ID, "")
	if err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat replay created a new run: %s vs %s", second.ID, first.ID)
	}

	if _, err := f.engine.Replay(ctx, entry.ID, "other"); !errors.Is(err, retry.ErrNotReplayable) {
		t.Fatalf("different nonce after replay: got %v", err)
	}

	stored, _ := f.engine.GetDeadLetter(ctx, entry.ID)
	if !stored.Replayed() || stored.ReplayRunID == nil || *stored.ReplayRunID != first.ID {
		t.Errorf("entry not marked replayed: %+v", stored)
	}
	depth, _ := f.engine.Depth(ctx)
	if depth != 0 {
		t.Errorf("pending depth: got %d, want 0", depth)
	}

	original, _ := f.ledger.Get(ctx, run.ID)
	if original.Status != domain.RunStatusFailed {
		t.Errorf("original run changed: %s", original.Status)
	}
	events := f.store.AuditEvents(run.ID)
	if len(events) != 1 || events[0].Action != domain.AuditActionReplay {
		t.Errorf("audit: %+v", events)
	}
}

func TestReplay_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Replay(context.Background(), uuid.New(), "")
	if !errors.Is(err, retry.ErrDeadLetterNotFound) {
		t.Fatalf("got %v, want ErrDeadLetterNotFound", err)
	}
}

func TestHandleStale_RequeuesWithBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")

	if _, err := f.ledger.Claim(ctx, run.ID, "w"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Hour)
	reaped, err := f.ledger.ReapStale(ctx, 10*time.Minute, 10)
	if err != nil || len(reaped) != 1 {
		t.Fatalf("ReapStale: %v %d", err, len(reaped))
	}

	if err := f.engine.HandleStale(ctx, reaped[0]); err != nil {
		t.Fatalf("HandleStale: %v", err)
	}
	// Repeat is deduplicated by the reap key.
	if err := f.engine.HandleStale(ctx, reaped[0]); err != nil {
		t.Fatalf("HandleStale repeat: %v", err)
	}

	next, err := f.ledger.GetByKey(ctx, ledger.ReapKey(run.IdempotencyKey, run.ID))
	if err != nil {
		t.Fatalf("reap run missing: %v", err)
	}
	if next.Source != domain.TriggerSourceReap || next.Attempts != 1 {
		t.Errorf("reap run: source=%s attempts=%d", next.Source, next.Attempts)
	}
	if len(f.store.Runs()) != 2 {
		t.Errorf("runs: got %d, want 2", len(f.store.Runs()))
	}
}

func TestHandleStale_ExhaustedDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.newAdmittedRun(t, "k1")
	for i := 0; i < 4; i++ {
		f.attempt(t, run.ID, errors.New("flaky"))
	}
	f.clock.Advance(2 * time.Minute)
	if _, err := f.ledger.Claim(ctx, run.ID, "w"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Hour)
	reaped, _ := f.ledger.ReapStale(ctx, 10*time.Minute, 10)
	if len(reaped) != 1 {
		t.Fatalf("reaped: %d", len(reaped))
	}

	if err := f.engine.HandleStale(ctx, reaped[0]); err != nil {
		t.Fatal(err)
	}
	page, _ := f.engine.ListDeadLetters(ctx, true, nil, "", 10)
	if len(page.Entries) != 1 || page.Entries[0].Kind != domain.ErrorKindStaleClaim {
		t.Fatalf("dead letters: %+v", page.Entries)
	}
}

func TestListDeadLetters_Paginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		run := f.newAdmittedRun(t, fmt.Sprintf("k%d", i))
		f.attempt(t, run.ID, domain.NewExecutionError(domain.ErrorKindUnauthorized, "no"))
	}

	seen := map[uuid.UUID]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := f.engine.ListDeadLetters(ctx, false, nil, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, e := range page.Entries {
			if seen[e.ID] {
				t.Fatalf("duplicate entry %s", e.ID)
			}
			seen[e.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 || pages != 3 {
		t.Fatalf("seen %d entries over %d pages", len(seen), pages)
	}
}

// flakyDeadLetters fails pushes while down is set.
type flakyDeadLetters struct {
	*memory.Store
	down bool
}

func (d *flakyDeadLetters) PushDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error) {
	if d.down {
		return domain.DeadLetterEntry{}, false, errors.New("dlq unavailable")
	}
	return d.Store.PushDeadLetter(ctx, entry)
}

func TestRepairDeadLetters_AfterFailedPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dlq := &flakyDeadLetters{Store: f.store, down: true}
	engine := retry.NewEngine(f.ledger, dlq, f.sub, f.engine.Policy()).WithClock(f.clock.Now)
	run := f.newAdmittedRun(t, "k1")

	if _, err := f.ledger.Claim(ctx, run.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	failed, err := engine.Complete(ctx, run.ID, domain.NewExecutionError(domain.ErrorKindValidation, "bad template"))
	if err == nil {
		t.Fatal("expected push error")
	}
	if failed.Status != domain.RunStatusFailed {
		t.Fatalf("status: got %s, want failed", failed.Status)
	}
	if depth, _ := engine.Depth(ctx); depth != 0 {
		t.Fatalf("dead letters: got %d, want 0", depth)
	}

	dlq.down = false
	if n, err := engine.RepairDeadLetters(ctx, time.Minute, 10); err != nil || n != 0 {
		t.Fatalf("repaired inside settle window: n=%d err=%v", n, err)
	}

	f.clock.Advance(2 * time.Minute)
	n, err := engine.RepairDeadLetters(ctx, time.Minute, 10)
	if err != nil || n != 1 {
		t.Fatalf("repair: n=%d err=%v", n, err)
	}
	page, err := engine.ListDeadLetters(ctx, true, nil, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 || page.Entries[0].RunID != run.ID || page.Entries[0].Kind != domain.ErrorKindValidation {
		t.Fatalf("entries: %+v", page.Entries)
	}

	if n, _ := engine.RepairDeadLetters(ctx, time.Minute, 10); n != 0 {
		t.Fatalf("second repair: n=%d, want 0", n)
	}
}
