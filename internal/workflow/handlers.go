package workflow

import (
	"context"
	"fmt"

	"ontoflow/internal/domain"
)

// BuiltinHandlers returns the automated handlers every deployment gets.
//
//	noop            does nothing, result "success"
//	set_context     merges config["values"] into the instance context
//	enqueue_action  creates an intent and queues its dispatch
func BuiltinHandlers(dispatcher ActionDispatcher) map[string]AutomatedHandler {
	return map[string]AutomatedHandler{
		"noop": func(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, se domain.StepExecution) (HandlerResult, error) {
			return HandlerResult{Result: "success"}, nil
		},
		"set_context": func(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, se domain.StepExecution) (HandlerResult, error) {
			values, _ := step.Config["values"].(map[string]any)
			return HandlerResult{Result: "success", Context: values, Output: values}, nil
		},
		"enqueue_action": func(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, se domain.StepExecution) (HandlerResult, error) {
			actionVersionID, _ := step.Config["action_version_id"].(string)
			if actionVersionID == "" {
				return HandlerResult{}, fmt.Errorf("enqueue_action step %s missing action_version_id", step.ID)
			}
			input, _ := step.Config["input"].(map[string]any)
			// Keyed per (instance, step) so re-running the step cannot
			// dispatch the action twice.
			key := inst.ID + ":" + step.ID
			if err := dispatcher.DispatchAction(ctx, actionVersionID, key, input, inst.ID, se.ID); err != nil {
				return HandlerResult{}, err
			}
			return HandlerResult{Result: "success", Output: domain.Metadata{"idempotency_key": key}}, nil
		},
	}
}
