package domain

import "time"

// TimeFormat is the canonical timestamp layout for every persisted column.
// Fixed-width millisecond UTC so string ordering equals time ordering.
const TimeFormat = "2006-01-02T15:04:05.000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// Metadata is a free-form JSON object (event payloads, step config, contexts).
type Metadata map[string]any

// SchemaVersion is a published, immutable metadata snapshot of the ontology.
type SchemaVersion struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"DRAFT,PUBLISHED,DEPRECATED"`
	PublishedAt string `json:"published_at,omitempty" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// EntityVersion is one bi-temporal version row of an entity. ValidTo nil
// means the version is currently valid.
type EntityVersion struct {
	ID         string  `json:"id"`
	EntityID   string  `json:"entity_id"`
	TypeID     string  `json:"type_id"`
	Attributes string  `json:"attributes_json"`
	Metadata   string  `json:"metadata_json,omitempty"`
	Deleted    bool    `json:"deleted"`
	ValidFrom  string  `json:"valid_from" format:"date-time"`
	ValidTo    *string `json:"valid_to,omitempty" format:"date-time"`
}

// EntitySnapshot is the reconstructed state of one entity at a point in time.
// Derived, read-only; never persisted as a unit.
type EntitySnapshot struct {
	ID         string   `json:"id"`
	VersionID  string   `json:"version_id"`
	TypeID     string   `json:"type_id"`
	Attributes Metadata `json:"attributes"`
	Metadata   Metadata `json:"metadata"`
	ValidFrom  string   `json:"valid_from" format:"date-time"`
	ValidTo    *string  `json:"valid_to,omitempty" format:"date-time"`
}

// Relationship links two entities under a declared forward/inverse name pair.
type Relationship struct {
	ID             string `json:"id"`
	TypeName       string `json:"type_name"`
	ForwardName    string `json:"forward_name"`
	InverseName    string `json:"inverse_name"`
	SourceEntityID string `json:"source_entity_id"`
	TargetEntityID string `json:"target_entity_id"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// RelationshipVersion carries the bi-temporal properties of a relationship.
type RelationshipVersion struct {
	ID             string  `json:"id"`
	RelationshipID string  `json:"relationship_id"`
	Properties     string  `json:"properties_json,omitempty"`
	ValidFrom      string  `json:"valid_from" format:"date-time"`
	ValidTo        *string `json:"valid_to,omitempty" format:"date-time"`
}

// TraversalResult is one hop from a source entity at a fixed asOf.
type TraversalResult struct {
	RelationshipID string         `json:"relationship_id"`
	VersionID      string         `json:"version_id"`
	Properties     Metadata       `json:"properties"`
	Target         EntitySnapshot `json:"target"`
}

// ConditionExpression is a closed tagged union: either a logical node
// (Operator + Expressions) or a comparison leaf (Path + Comparison + Value).
// Pure data, no executable code.
type ConditionExpression struct {
	Operator    string                 `json:"operator,omitempty" enum:"AND,OR,NOT"`
	Expressions []*ConditionExpression `json:"expressions,omitempty"`
	Path        string                 `json:"path,omitempty"`
	Comparison  string                 `json:"comparison,omitempty" enum:"EQUALS,NOT_EQUALS,GREATER_THAN,LESS_THAN,CONTAINS,EXISTS"`
	Value       any                    `json:"value,omitempty"`
}

// RuleVersion is an immutable snapshot of a rule's condition logic bound to
// a schema version. Superseded, never edited.
type RuleVersion struct {
	ID              string               `json:"id"`
	RuleID          string               `json:"rule_id"`
	SchemaVersionID string               `json:"schema_version_id"`
	VersionNumber   int                  `json:"version_number"`
	EventType       string               `json:"event_type"`
	Status          string               `json:"status" enum:"DRAFT,PUBLISHED,DEPRECATED"`
	Configuration   *ConditionExpression `json:"configuration"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
}

// EvaluationState is the last boolean result of a (rule, target) pair at a
// point in time. Keyed by asOf for deterministic replay.
type EvaluationState struct {
	RuleVersionID  string `json:"rule_version_id"`
	TargetObjectID string `json:"target_object_id"`
	TargetType     string `json:"target_type" enum:"ENTITY,RELATIONSHIP"`
	AsOf           string `json:"as_of" format:"date-time"`
	Result         bool   `json:"result"`
}

// DomainEvent is the immutable fact that a rule transitioned false to true.
type DomainEvent struct {
	ID              string   `json:"id"`
	RuleVersionID   string   `json:"rule_version_id"`
	EntityVersionID string   `json:"entity_version_id"`
	EventType       string   `json:"event_type"`
	Payload         Metadata `json:"payload"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// Workflow step types.
const (
	StepAutomated = "AUTOMATED"
	StepHumanTask = "HUMAN_TASK"
	StepCompleted = "COMPLETED"
)

// WorkflowStep is a declarative step definition. Transitions map a result or
// decision key to the next step id.
type WorkflowStep struct {
	ID          string            `json:"id"`
	Type        string            `json:"type" enum:"AUTOMATED,HUMAN_TASK,COMPLETED"`
	Config      Metadata          `json:"config,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty"`
}

// WorkflowVersion is an immutable step graph plus trigger filter.
type WorkflowVersion struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	SchemaVersionID  string         `json:"schema_version_id"`
	VersionNumber    int            `json:"version_number"`
	Status           string         `json:"status" enum:"DRAFT,PUBLISHED,DEPRECATED"`
	TriggerEventType string         `json:"trigger_event_type"`
	Steps            []WorkflowStep `json:"steps"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

// Step returns the step with the given id, or nil.
func (w WorkflowVersion) Step(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Workflow instance statuses.
const (
	InstanceRunning   = "RUNNING"
	InstanceWaiting   = "WAITING"
	InstanceCompleted = "COMPLETED"
	InstanceFailed    = "FAILED"
)

// WorkflowInstance is one execution of a WorkflowVersion. Version is an
// optimistic concurrency counter bumped on every update.
type WorkflowInstance struct {
	ID                   string   `json:"id"`
	WorkflowVersionID    string   `json:"workflow_version_id"`
	TriggerEventID       string   `json:"trigger_event_id"`
	SubjectEntityVersion string   `json:"subject_entity_version_id"`
	Status               string   `json:"status" enum:"RUNNING,WAITING,COMPLETED,FAILED"`
	CurrentStepID        *string  `json:"current_step_id,omitempty"`
	Context              Metadata `json:"context"`
	Version              int      `json:"version"`
	StartedAt            string   `json:"started_at" format:"date-time"`
	FinishedAt           *string  `json:"finished_at,omitempty" format:"date-time"`
}

// Step execution statuses.
const (
	StepExecInProgress = "IN_PROGRESS"
	StepExecCompleted  = "COMPLETED"
	StepExecFailed     = "FAILED"
)

// StepExecution records one step run. Immutable once finished.
type StepExecution struct {
	ID                 string   `json:"id"`
	WorkflowInstanceID string   `json:"workflow_instance_id"`
	StepID             string   `json:"step_id"`
	Status             string   `json:"status" enum:"IN_PROGRESS,COMPLETED,FAILED"`
	Input              Metadata `json:"input,omitempty"`
	Output             Metadata `json:"output,omitempty"`
	StartedAt          string   `json:"started_at" format:"date-time"`
	FinishedAt         *string  `json:"finished_at,omitempty" format:"date-time"`
}

// Human task statuses.
const (
	TaskPending   = "PENDING"
	TaskCompleted = "COMPLETED"
)

// HumanTask is a pending approval gate bound to a step execution.
// Resolved exactly once.
type HumanTask struct {
	ID              string   `json:"id"`
	StepExecutionID string   `json:"step_execution_id"`
	AssigneeID      *string  `json:"assignee_id,omitempty"`
	Status          string   `json:"status" enum:"PENDING,COMPLETED"`
	Decision        Metadata `json:"decision,omitempty"`
	DueAt           *string  `json:"due_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Job statuses.
const (
	JobPending   = "PENDING"
	JobRunning   = "RUNNING"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

// Built-in job types.
const (
	JobTypeActionDispatch = "ACTION_DISPATCH"
	JobTypeRuleSweep      = "RULE_SWEEP"
	JobTypeSystemPing     = "SYSTEM_PING"
)

// JobRecord is a unit of background work in the persisted queue.
type JobRecord struct {
	ID               string  `json:"id"`
	JobType          string  `json:"job_type"`
	Payload          string  `json:"payload_json"`
	Priority         int     `json:"priority"`
	Status           string  `json:"status" enum:"PENDING,RUNNING,COMPLETED,FAILED,CANCELLED"`
	Attempts         int     `json:"attempts"`
	MaxAttempts      int     `json:"max_attempts"`
	LastError        *string `json:"last_error,omitempty"`
	NextAttemptAt    *string `json:"next_attempt_at,omitempty" format:"date-time"`
	LockedAt         *string `json:"locked_at,omitempty" format:"date-time"`
	LockedByWorkerID *string `json:"locked_by_worker_id,omitempty"`
	IdempotencyKey   *string `json:"idempotency_key,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	StartedAt        *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
}

// JobWorker is a registered worker process.
type JobWorker struct {
	ID            string `json:"id"`
	Hostname      string `json:"hostname"`
	PID           int    `json:"pid"`
	Status        string `json:"status" enum:"ACTIVE,OFFLINE"`
	LastHeartbeat string `json:"last_heartbeat" format:"date-time"`
	StartedAt     string `json:"started_at" format:"date-time"`
}

// Connector types supported by the action engine.
const (
	ConnectorREST    = "REST"
	ConnectorSQL     = "SQL"
	ConnectorScript  = "SCRIPT"
	ConnectorEmail   = "EMAIL"
	ConnectorWebhook = "WEBHOOK"
)

// RetryPolicy bounds action dispatch retries.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMS         int     `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// ActionVersion is an immutable, published action definition version.
type ActionVersion struct {
	ID              string      `json:"id"`
	ActionID        string      `json:"action_id"`
	VersionNumber   int         `json:"version_number"`
	ConnectorType   string      `json:"connector_type" enum:"REST,SQL,SCRIPT,EMAIL,WEBHOOK"`
	ConnectorConfig Metadata    `json:"connector_config"`
	Retry           RetryPolicy `json:"retry_policy"`
	Status          string      `json:"status" enum:"DRAFT,PUBLISHED,DEPRECATED"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	PublishedAt     *string     `json:"published_at,omitempty" format:"date-time"`
}

// Action intent statuses. SUCCESS, FAILED and CANCELLED are terminal.
const (
	IntentPending    = "PENDING"
	IntentProcessing = "PROCESSING"
	IntentSuccess    = "SUCCESS"
	IntentFailed     = "FAILED"
	IntentCancelled  = "CANCELLED"
)

// ActionIntent is an immutable request to execute one action.
// Unique per (action_version_id, idempotency_key).
type ActionIntent struct {
	ID                 string   `json:"id"`
	ActionVersionID    string   `json:"action_version_id"`
	WorkflowInstanceID *string  `json:"workflow_instance_id,omitempty"`
	StepExecutionID    *string  `json:"step_execution_id,omitempty"`
	IdempotencyKey     string   `json:"idempotency_key"`
	Input              Metadata `json:"input_data"`
	Status             string   `json:"status" enum:"PENDING,PROCESSING,SUCCESS,FAILED,CANCELLED"`
	LockedBy           *string  `json:"locked_by,omitempty"`
	LockedAt           *string  `json:"locked_at,omitempty" format:"date-time"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// Attempt statuses.
const (
	AttemptSuccess = "SUCCESS"
	AttemptFailure = "FAILURE"
)

// ActionAttempt is the append-only record of one execution try.
type ActionAttempt struct {
	ID            string   `json:"id"`
	IntentID      string   `json:"action_intent_id"`
	AttemptNumber int      `json:"attempt_number"`
	Status        string   `json:"status" enum:"SUCCESS,FAILURE"`
	Output        Metadata `json:"output_data,omitempty"`
	ErrorMessage  *string  `json:"error_message,omitempty"`
	ErrorStack    *string  `json:"error_stack,omitempty"`
	StartedAt     string   `json:"started_at" format:"date-time"`
	FinishedAt    string   `json:"finished_at" format:"date-time"`
	PerformedBy   string   `json:"performed_by"`
}
