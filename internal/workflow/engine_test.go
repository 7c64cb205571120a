package workflow_test

import (
	"context"
	"testing"
	"time"

	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/logging"
	"ontoflow/internal/migrate"
	"ontoflow/internal/repo"
	"ontoflow/internal/workflow"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	calls []string
}

func (d *recordingDispatcher) DispatchAction(_ context.Context, actionVersionID, idempotencyKey string, _ domain.Metadata, _, _ string) error {
	d.calls = append(d.calls, actionVersionID+"/"+idempotencyKey)
	return nil
}

type testEnv struct {
	Engine     workflow.Engine
	Repo       repo.Repo
	Dispatcher *recordingDispatcher
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	d := &recordingDispatcher{}
	eng := workflow.Engine{
		DB:         conn,
		Repo:       r,
		Log:        logging.NewNop(),
		Now:        func() time.Time { return t0 },
		Handlers:   workflow.BuiltinHandlers(d),
		Dispatcher: d,
	}
	ctx := context.Background()
	if _, err := r.PublishSchemaVersion(ctx, "schema-1", t0, t0); err != nil {
		t.Fatalf("publish schema: %v", err)
	}
	return testEnv{Engine: eng, Repo: r, Dispatcher: d, Ctx: ctx}
}

func publishWorkflow(t *testing.T, env testEnv, trigger string, steps []domain.WorkflowStep) domain.WorkflowVersion {
	t.Helper()
	wv, err := env.Repo.InsertWorkflowVersion(env.Ctx, "wf-1", "schema-1", trigger, steps, t0)
	if err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	return wv
}

func triggerEvent() domain.DomainEvent {
	return domain.DomainEvent{
		ID:              "evt-1",
		RuleVersionID:   "rule-1",
		EntityVersionID: "ev-1",
		EventType:       "HIGH_CPU",
		Payload:         domain.Metadata{"entity_id": "server-1"},
	}
}

func approvalSteps() []domain.WorkflowStep {
	return []domain.WorkflowStep{
		{ID: "review", Type: domain.StepHumanTask, Transitions: map[string]string{"approve": "notify"}},
		{ID: "notify", Type: domain.StepAutomated, Config: domain.Metadata{"handler": "noop"}, Transitions: map[string]string{"success": "done"}},
		{ID: "done", Type: domain.StepCompleted},
	}
}

func pendingTask(t *testing.T, env testEnv) domain.HumanTask {
	t.Helper()
	tasks, err := env.Repo.ListPendingHumanTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(tasks))
	}
	return tasks[0]
}

func TestApprovalPath(t *testing.T) {
	env := newTestEnv(t)
	wv := publishWorkflow(t, env, "HIGH_CPU", approvalSteps())

	inst, err := env.Engine.StartInstance(env.Ctx, wv, triggerEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.Status != domain.InstanceWaiting {
		t.Fatalf("status=%s, want WAITING", inst.Status)
	}

	task := pendingTask(t, env)
	inst, err = env.Engine.HandleHumanDecision(env.Ctx, task.ID, domain.Metadata{"action": "approve"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if inst.Status != domain.InstanceCompleted {
		t.Fatalf("status=%s, want COMPLETED", inst.Status)
	}
	if inst.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	steps, err := env.Repo.ListStepExecutions(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("step executions = %d, want 3", len(steps))
	}
	for _, se := range steps {
		if se.Status != domain.StepExecCompleted {
			t.Fatalf("step %s status=%s, want COMPLETED", se.StepID, se.Status)
		}
	}
}

func TestDecisionWithoutTransitionCompletes(t *testing.T) {
	env := newTestEnv(t)
	wv := publishWorkflow(t, env, "HIGH_CPU", approvalSteps())
	if _, err := env.Engine.StartInstance(env.Ctx, wv, triggerEvent()); err != nil {
		t.Fatal(err)
	}

	task := pendingTask(t, env)
	inst, err := env.Engine.HandleHumanDecision(env.Ctx, task.ID, domain.Metadata{"action": "reject"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.InstanceCompleted {
		t.Fatalf("status=%s, want COMPLETED", inst.Status)
	}
	// The notify step never ran.
	steps, err := env.Repo.ListStepExecutions(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 {
		t.Fatalf("step executions = %d, want 1", len(steps))
	}
}

func TestDoubleDecisionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	wv := publishWorkflow(t, env, "HIGH_CPU", approvalSteps())
	if _, err := env.Engine.StartInstance(env.Ctx, wv, triggerEvent()); err != nil {
		t.Fatal(err)
	}
	task := pendingTask(t, env)

	first, err := env.Engine.HandleHumanDecision(env.Ctx, task.ID, domain.Metadata{"action": "approve"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.HandleHumanDecision(env.Ctx, task.ID, domain.Metadata{"action": "reject"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != first.Status || second.Version != first.Version {
		t.Fatalf("second decision changed the instance: %+v vs %+v", second, first)
	}
	stored, err := env.Repo.GetHumanTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Decision["action"] != "approve" {
		t.Fatalf("decision overwritten: %+v", stored.Decision)
	}
}

func TestAutomatedChainRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	wv := publishWorkflow(t, env, "HIGH_CPU", []domain.WorkflowStep{
		{ID: "mark", Type: domain.StepAutomated,
			Config:      domain.Metadata{"handler": "set_context", "values": map[string]any{"severity": "high"}},
			Transitions: map[string]string{"success": "done"}},
		{ID: "done", Type: domain.StepCompleted},
	})

	inst, err := env.Engine.StartInstance(env.Ctx, wv, triggerEvent())
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.InstanceCompleted {
		t.Fatalf("status=%s, want COMPLETED", inst.Status)
	}
	if inst.Context["severity"] != "high" {
		t.Fatalf("context not merged: %+v", inst.Context)
	}
}

func TestEnqueueActionStepDispatchesOnce(t *testing.T) {
	env := newTestEnv(t)
	wv := publishWorkflow(t, env, "HIGH_CPU", []domain.WorkflowStep{
		{ID: "remediate", Type: domain.StepAutomated,
			Config:      domain.Metadata{"handler": "enqueue_action", "action_version_id": "av-1"},
			Transitions: map[string]string{"success": "done"}},
		{ID: "done", Type: domain.StepCompleted},
	})

	inst, err := env.Engine.StartInstance(env.Ctx, wv, triggerEvent())
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.InstanceCompleted {
		t.Fatalf("status=%s, want COMPLETED", inst.Status)
	}
	if len(env.Dispatcher.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(env.Dispatcher.calls))
	}
	want := "av-1/" + inst.ID + ":remediate"
	if env.Dispatcher.calls[0] != want {
		t.Fatalf("dispatched %q, want %q", env.Dispatcher.calls[0], want)
	}
}

func TestUnknownHandlerFailsInstance(t *testing.T) {
	env := newTestEnv(t)
	wv := publishWorkflow(t, env, "HIGH_CPU", []domain.WorkflowStep{
		{ID: "auto", Type: domain.StepAutomated, Config: domain.Metadata{"handler": "does-not-exist"}},
	})

	inst, err := env.Engine.StartInstance(env.Ctx, wv, triggerEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.Status != domain.InstanceFailed {
		t.Fatalf("status=%s, want FAILED", inst.Status)
	}
	if inst.Context["failure"] == nil {
		t.Fatal("failure cause not recorded")
	}
}

func TestHandleDomainEventStartsMatchingWorkflows(t *testing.T) {
	env := newTestEnv(t)
	publishWorkflow(t, env, "HIGH_CPU", approvalSteps())
	if _, err := env.Repo.InsertWorkflowVersion(env.Ctx, "wf-other", "schema-1", "DISK_FULL", approvalSteps(), t0); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.HandleDomainEvent(env.Ctx, triggerEvent()); err != nil {
		t.Fatal(err)
	}
	instances, err := env.Repo.ListInstances(env.Ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(instances))
	}
}
