package action_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ontoflow/internal/action"
	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/logging"
	"ontoflow/internal/migrate"
	"ontoflow/internal/queue"
	"ontoflow/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeConnector fails its first failures executions, then succeeds.
type fakeConnector struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (c *fakeConnector) Execute(_ context.Context, _, _ domain.Metadata) (domain.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return nil, errors.New("connector down")
	}
	return domain.Metadata{"ok": true}, nil
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	Engine    action.Engine
	Queue     queue.Queue
	Repo      repo.Repo
	Connector *fakeConnector
	Ctx       context.Context
	clockMu   sync.Mutex
	clock     time.Time
}

func (e *testEnv) now() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clock
}

func (e *testEnv) advance(d time.Duration) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.clock = e.clock.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Repo:      repo.Repo{DB: conn},
		Connector: &fakeConnector{},
		Ctx:       context.Background(),
		clock:     t0,
	}
	env.Engine = action.Engine{
		DB:         conn,
		Repo:       env.Repo,
		Log:        logging.NewNop(),
		Now:        env.now,
		Connectors: map[string]action.Connector{domain.ConnectorREST: env.Connector},
	}
	env.Queue = queue.Queue{DB: conn, Now: env.now, MaxAttempts: 3, BackoffMS: 1000, BackoffMultiplier: 2.0}
	return env
}

func publishAction(t *testing.T, env *testEnv) domain.ActionVersion {
	t.Helper()
	av, err := env.Repo.InsertActionVersion(env.Ctx, "act-1", domain.ConnectorREST,
		domain.Metadata{"url": "http://example.invalid/hook"},
		domain.RetryPolicy{MaxAttempts: 3, BackoffMS: 1000, BackoffMultiplier: 2.0}, t0)
	if err != nil {
		t.Fatalf("insert action version: %v", err)
	}
	return av
}

func TestCreateIntentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	av := publishAction(t, env)

	first, created, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", domain.Metadata{"x": 1}, nil, nil)
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}
	second, created, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", domain.Metadata{"x": 2}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate key created new intent: %v vs %v", second.ID, first.ID)
	}
}

func TestClaimHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	av := publishAction(t, env)
	intent, _, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wins := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, []string{"w1", "w2"}[i])
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()
	if wins[0] == wins[1] {
		t.Fatalf("claims = %v, want exactly one winner", wins)
	}
}

func TestExecuteRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	av := publishAction(t, env)
	intent, _, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Not claimed at all.
	if _, err := env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w1"); !errors.Is(err, action.ErrNotOwned) {
		t.Fatalf("got %v, want ErrNotOwned", err)
	}
	// Claimed by someone else.
	if ok, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, "w1"); err != nil || !ok {
		t.Fatalf("claim: %v ok=%v", err, ok)
	}
	if _, err := env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w2"); !errors.Is(err, action.ErrNotOwned) {
		t.Fatalf("got %v, want ErrNotOwned", err)
	}
	if env.Connector.callCount() != 0 {
		t.Fatalf("connector called %d times without ownership", env.Connector.callCount())
	}
}

func TestExecuteSuccess(t *testing.T) {
	env := newTestEnv(t)
	av := publishAction(t, env)
	intent, _, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", domain.Metadata{"target": "db-7"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	attempt, err := env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if attempt.Status != domain.AttemptSuccess || attempt.AttemptNumber != 1 {
		t.Fatalf("attempt %+v", attempt)
	}
	stored, err := env.Repo.GetIntent(env.Ctx, intent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.IntentSuccess {
		t.Fatalf("intent status=%s, want SUCCESS", stored.Status)
	}
	if stored.LockedBy != nil {
		t.Fatal("lock not cleared after finish")
	}
}

func TestPriorSuccessShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	av := publishAction(t, env)
	intent, _, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after the attempt was recorded but before the status
	// stuck: force the intent back to PENDING and run the dispatch again.
	if _, err := env.Engine.DB.Exec(`UPDATE action_intents SET status='PENDING' WHERE id=?`, intent.ID); err != nil {
		t.Fatal(err)
	}
	if ok, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, "w2"); err != nil || !ok {
		t.Fatalf("reclaim: %v ok=%v", err, ok)
	}
	attempt, err := env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w2")
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if attempt.Status != domain.AttemptSuccess {
		t.Fatalf("attempt %+v", attempt)
	}
	if env.Connector.callCount() != 1 {
		t.Fatalf("connector called %d times, want 1 (side effect must not repeat)", env.Connector.callCount())
	}
	attempts, err := env.Repo.ListAttempts(env.Ctx, intent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	stored, err := env.Repo.GetIntent(env.Ctx, intent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.IntentSuccess {
		t.Fatalf("intent status=%s, want SUCCESS", stored.Status)
	}
}

func TestFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	env.Connector.failures = 1
	av := publishAction(t, env)
	intent, _, err := env.Engine.CreateIntent(env.Ctx, av.ID, "key-1", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	attempt, err := env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w1")
	if !errors.Is(err, action.ErrExecutionFailed) {
		t.Fatalf("got %v, want ErrExecutionFailed", err)
	}
	if attempt.Status != domain.AttemptFailure || attempt.ErrorMessage == nil {
		t.Fatalf("attempt %+v", attempt)
	}
	stored, err := env.Repo.GetIntent(env.Ctx, intent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.IntentFailed {
		t.Fatalf("intent status=%s, want FAILED", stored.Status)
	}

	// Release and run again: the connector recovered.
	if err := env.Engine.ReleaseForRetry(env.Ctx, intent.ID); err != nil {
		t.Fatal(err)
	}
	if ok, err := env.Engine.ClaimIntent(env.Ctx, intent.ID, "w1"); err != nil || !ok {
		t.Fatalf("reclaim: %v ok=%v", err, ok)
	}
	attempt, err = env.Engine.ExecuteIntent(env.Ctx, intent.ID, "w1")
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if attempt.Status != domain.AttemptSuccess || attempt.AttemptNumber != 2 {
		t.Fatalf("attempt %+v", attempt)
	}
}

func TestDispatchThroughQueue(t *testing.T) {
	env := newTestEnv(t)
	env.Connector.failures = 1
	av := publishAction(t, env)

	dispatcher := action.Dispatcher{Engine: env.Engine, Queue: env.Queue, Priority: 10}
	if err := dispatcher.DispatchAction(env.Ctx, av.ID, "wf-1:step-1", domain.Metadata{"x": 1}, "", ""); err != nil {
		t.Fatal(err)
	}
	// Dispatching the same key again adds nothing.
	if err := dispatcher.DispatchAction(env.Ctx, av.ID, "wf-1:step-1", domain.Metadata{"x": 1}, "", ""); err != nil {
		t.Fatal(err)
	}
	if n, err := env.Queue.PendingCount(env.Ctx); err != nil || n != 1 {
		t.Fatalf("pending jobs = %d, %v; want 1", n, err)
	}

	w := &queue.Worker{
		Queue:    env.Queue,
		Log:      logging.NewNop(),
		Handlers: map[string]queue.Handler{domain.JobTypeActionDispatch: action.DispatchHandler(env.Engine)},
	}

	// First run fails, schedules a retry and releases the intent.
	processed, err := w.RunOne(env.Ctx)
	if err != nil || !processed {
		t.Fatalf("run 1: processed=%v err=%v", processed, err)
	}
	intent, err := env.Repo.IntentByKey(env.Ctx, av.ID, "wf-1:step-1")
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != domain.IntentPending {
		t.Fatalf("intent status=%s, want PENDING after released retry", intent.Status)
	}

	// After the backoff the retry succeeds.
	env.advance(2 * time.Second)
	processed, err = w.RunOne(env.Ctx)
	if err != nil || !processed {
		t.Fatalf("run 2: processed=%v err=%v", processed, err)
	}
	intent, err = env.Repo.IntentByKey(env.Ctx, av.ID, "wf-1:step-1")
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != domain.IntentSuccess {
		t.Fatalf("intent status=%s, want SUCCESS", intent.Status)
	}
	if env.Connector.callCount() != 2 {
		t.Fatalf("connector calls = %d, want 2", env.Connector.callCount())
	}
}
