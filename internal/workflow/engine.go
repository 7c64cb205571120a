// Package workflow runs declarative step graphs triggered by domain events.
// Instances advance through automated steps until they finish or park on a
// human task; decisions resume them.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ontoflow/internal/domain"
	"ontoflow/internal/repo"
)

var (
	// ErrInstanceConflict is returned when a concurrent writer advanced the
	// instance first. Callers reload and retry or give up.
	ErrInstanceConflict = repo.ErrStaleInstance

	// ErrUnknownStep means a transition pointed at a step id that is not in
	// the workflow version.
	ErrUnknownStep = errors.New("transition references unknown step")

	// ErrUnknownHandler means an automated step names a handler that was
	// never registered.
	ErrUnknownHandler = errors.New("unknown automated handler")

	// ErrNoTransition means an automated step produced a result with no
	// matching transition and no default.
	ErrNoTransition = errors.New("no transition for result")
)

// stepLimit bounds one advance pass so a cyclic transition graph cannot spin
// an instance forever.
const stepLimit = 256

// HandlerResult is what an automated handler produces: a result key used to
// pick the transition, plus output recorded on the step execution and
// context values merged into the instance.
type HandlerResult struct {
	Result  string
	Output  domain.Metadata
	Context domain.Metadata
}

// AutomatedHandler executes one automated step. The step execution row is
// already open when the handler runs.
type AutomatedHandler func(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, se domain.StepExecution) (HandlerResult, error)

// ActionDispatcher hands an action off for asynchronous execution. The
// workflow does not wait for the outcome.
type ActionDispatcher interface {
	DispatchAction(ctx context.Context, actionVersionID, idempotencyKey string, input domain.Metadata, instanceID, stepExecutionID string) error
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Log        *slog.Logger
	Now        func() time.Time
	Handlers   map[string]AutomatedHandler
	Dispatcher ActionDispatcher
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// HandleDomainEvent starts one instance per published workflow version whose
// trigger matches the event type, then advances each until it parks or ends.
// Implements the rule engine's event sink.
func (e Engine) HandleDomainEvent(ctx context.Context, evt domain.DomainEvent) error {
	versions, err := e.Repo.WorkflowsTriggeredBy(ctx, evt.EventType)
	if err != nil {
		return err
	}
	for _, wv := range versions {
		inst, err := e.StartInstance(ctx, wv, evt)
		if err != nil {
			e.Log.Warn("workflow start failed", "workflow_version_id", wv.ID, "event_id", evt.ID, "err", err)
			continue
		}
		e.Log.Info("workflow started", "instance_id", inst.ID, "workflow_version_id", wv.ID, "event_type", evt.EventType)
	}
	return nil
}

// StartInstance creates a RUNNING instance at the first step of the version
// and advances it.
func (e Engine) StartInstance(ctx context.Context, wv domain.WorkflowVersion, evt domain.DomainEvent) (domain.WorkflowInstance, error) {
	if len(wv.Steps) == 0 {
		return domain.WorkflowInstance{}, fmt.Errorf("workflow version %s has no steps", wv.ID)
	}
	firstStep := wv.Steps[0].ID
	inst := domain.WorkflowInstance{
		WorkflowVersionID:    wv.ID,
		TriggerEventID:       evt.ID,
		SubjectEntityVersion: evt.EntityVersionID,
		Status:               domain.InstanceRunning,
		CurrentStepID:        &firstStep,
		Context:              domain.Metadata{"trigger": map[string]any(evt.Payload)},
		StartedAt:            domain.FormatTime(e.now()),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()
	inst, err = e.Repo.InsertInstance(ctx, tx, inst)
	if err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}
	return e.advance(ctx, inst, wv)
}

// advance runs steps until the instance waits, completes or fails.
func (e Engine) advance(ctx context.Context, inst domain.WorkflowInstance, wv domain.WorkflowVersion) (domain.WorkflowInstance, error) {
	for i := 0; i < stepLimit; i++ {
		if inst.Status != domain.InstanceRunning || inst.CurrentStepID == nil {
			return inst, nil
		}
		step := wv.Step(*inst.CurrentStepID)
		if step == nil {
			return e.failInstance(ctx, inst, fmt.Errorf("%w: %s", ErrUnknownStep, *inst.CurrentStepID))
		}
		var err error
		switch step.Type {
		case domain.StepAutomated:
			inst, err = e.runAutomated(ctx, inst, wv, *step)
		case domain.StepHumanTask:
			inst, err = e.parkOnHumanTask(ctx, inst, *step)
		case domain.StepCompleted:
			inst, err = e.completeInstance(ctx, inst, *step)
		default:
			return e.failInstance(ctx, inst, fmt.Errorf("unknown step type %q", step.Type))
		}
		if err != nil {
			return inst, err
		}
	}
	return e.failInstance(ctx, inst, fmt.Errorf("step limit %d exceeded", stepLimit))
}

func (e Engine) runAutomated(ctx context.Context, inst domain.WorkflowInstance, wv domain.WorkflowVersion, step domain.WorkflowStep) (domain.WorkflowInstance, error) {
	handlerName, _ := step.Config["handler"].(string)
	handler, ok := e.Handlers[handlerName]
	if !ok {
		return e.failStep(ctx, inst, step, nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handlerName))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	se, err := e.Repo.InsertStepExecution(ctx, tx, inst.ID, step.ID, step.Config, e.now())
	if err != nil {
		tx.Rollback()
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}

	res, err := handler(ctx, inst, step, se)
	if err != nil {
		return e.failStep(ctx, inst, step, &se, err)
	}
	for k, v := range res.Context {
		if inst.Context == nil {
			inst.Context = domain.Metadata{}
		}
		inst.Context[k] = v
	}

	next, ok := pickTransition(step, res.Result)
	if !ok {
		return e.failStep(ctx, inst, step, &se, fmt.Errorf("%w: %q from step %s", ErrNoTransition, res.Result, step.ID))
	}

	tx, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishStepExecution(ctx, tx, se.ID, domain.StepExecCompleted, res.Output, e.now()); err != nil {
		return inst, err
	}
	inst.CurrentStepID = &next
	inst, err = e.Repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return inst, err
	}
	return inst, tx.Commit()
}

func (e Engine) parkOnHumanTask(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()

	se, err := e.Repo.InsertStepExecution(ctx, tx, inst.ID, step.ID, step.Config, e.now())
	if err != nil {
		return inst, err
	}
	var assignee *string
	if a, ok := step.Config["assignee_id"].(string); ok && a != "" {
		assignee = &a
	}
	var dueAt *string
	if d, ok := step.Config["due_at"].(string); ok && d != "" {
		dueAt = &d
	} else if secs, ok := step.Config["timeout_seconds"].(float64); ok && secs > 0 {
		d := domain.FormatTime(e.now().Add(time.Duration(secs) * time.Second))
		dueAt = &d
	}
	task, err := e.Repo.InsertHumanTask(ctx, tx, se.ID, assignee, dueAt)
	if err != nil {
		return inst, err
	}
	inst.Status = domain.InstanceWaiting
	inst, err = e.Repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}
	e.Log.Info("workflow waiting on human task", "instance_id", inst.ID, "task_id", task.ID, "step_id", step.ID)
	return inst, nil
}

func (e Engine) completeInstance(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()

	se, err := e.Repo.InsertStepExecution(ctx, tx, inst.ID, step.ID, step.Config, e.now())
	if err != nil {
		return inst, err
	}
	if err := e.Repo.FinishStepExecution(ctx, tx, se.ID, domain.StepExecCompleted, nil, e.now()); err != nil {
		return inst, err
	}
	ts := domain.FormatTime(e.now())
	inst.Status = domain.InstanceCompleted
	inst.FinishedAt = &ts
	inst.CurrentStepID = nil
	inst, err = e.Repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return inst, err
	}
	return inst, tx.Commit()
}

// HandleHumanDecision resolves a pending task and resumes its instance,
// routing by the decision's "action" key. Deciding a task twice is a no-op.
// A decision with no matching transition completes the instance.
func (e Engine) HandleHumanDecision(ctx context.Context, taskID string, decision domain.Metadata) (domain.WorkflowInstance, error) {
	task, err := e.Repo.GetHumanTask(ctx, taskID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	se, err := e.Repo.GetStepExecution(ctx, task.StepExecutionID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	inst, err := e.Repo.GetInstance(ctx, se.WorkflowInstanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()

	resolved, err := e.Repo.ResolveHumanTask(ctx, tx, taskID, decision, e.now())
	if err != nil {
		return inst, err
	}
	if !resolved {
		// Already decided.
		return inst, tx.Rollback()
	}
	if err := e.Repo.FinishStepExecution(ctx, tx, se.ID, domain.StepExecCompleted, decision, e.now()); err != nil {
		return inst, err
	}

	wv, err := e.Repo.GetWorkflowVersion(ctx, inst.WorkflowVersionID)
	if err != nil {
		return inst, err
	}
	step := wv.Step(se.StepID)
	if step == nil {
		return inst, fmt.Errorf("%w: %s", ErrUnknownStep, se.StepID)
	}

	key, _ := decision["action"].(string)
	next, ok := pickTransition(*step, key)
	if ok {
		inst.Status = domain.InstanceRunning
		inst.CurrentStepID = &next
	} else {
		ts := domain.FormatTime(e.now())
		inst.Status = domain.InstanceCompleted
		inst.FinishedAt = &ts
		inst.CurrentStepID = nil
	}
	inst, err = e.Repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}

	if inst.Status == domain.InstanceRunning {
		return e.advance(ctx, inst, wv)
	}
	return inst, nil
}

// failStep finalizes the step execution (when one was opened) and fails the
// instance. The cause is recorded in the instance context, not returned: a
// workflow failure is an outcome, not an engine error.
func (e Engine) failStep(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, se *domain.StepExecution, cause error) (domain.WorkflowInstance, error) {
	if se != nil {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return inst, err
		}
		if err := e.Repo.FinishStepExecution(ctx, tx, se.ID, domain.StepExecFailed, domain.Metadata{"error": cause.Error()}, e.now()); err != nil {
			tx.Rollback()
			return inst, err
		}
		if err := tx.Commit(); err != nil {
			return inst, err
		}
	}
	e.Log.Warn("workflow step failed", "instance_id", inst.ID, "step_id", step.ID, "err", cause)
	return e.failInstance(ctx, inst, cause)
}

func (e Engine) failInstance(ctx context.Context, inst domain.WorkflowInstance, cause error) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()

	ts := domain.FormatTime(e.now())
	if inst.Context == nil {
		inst.Context = domain.Metadata{}
	}
	inst.Context["failure"] = cause.Error()
	inst.Status = domain.InstanceFailed
	inst.FinishedAt = &ts
	inst, err = e.Repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return inst, err
	}
	return inst, tx.Commit()
}

// pickTransition resolves the next step id for a result key, falling back to
// the "default" transition.
func pickTransition(step domain.WorkflowStep, key string) (string, bool) {
	if next, ok := step.Transitions[key]; ok {
		return next, true
	}
	next, ok := step.Transitions["default"]
	return next, ok
}
