package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ontoflow/internal/app"
	"ontoflow/internal/config"
	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/logging"
	"ontoflow/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "of",
	Short: "Ontoflow CLI",
	Long: `Ontoflow is an ontology-driven decision and execution platform.
Entities live as bi-temporal versions, so every read answers "what was true
at time T". Published rules watch entity updates and emit a domain event the
moment a condition flips from false to true. Events start workflows, which
walk declarative step graphs, park on human tasks, and dispatch actions.
Actions run through connectors (REST, SQL, SCRIPT, EMAIL, WEBHOOK) on a
persisted job queue with atomic claims and exponential backoff.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ONTOFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as-of", "", "point-in-time instant (RFC3339), defaults to now")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as-of", rootCmd.PersistentFlags().Lookup("as-of"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(relationCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Manage schema versions"}
	cmd.AddCommand(schemaPublishCmd())
	cmd.AddCommand(schemaListCmd())
	cmd.AddCommand(schemaResolveCmd())
	return cmd
}

func schemaPublishCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				if id == "" {
					id = fmt.Sprintf("schema-%d", time.Now().Unix())
				}
				sv, err := c.Repo.PublishSchemaVersion(ctx, id, asOf(), time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(sv)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "schema version id")
	return cmd
}

func schemaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Repo.ListSchemaVersions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Published"})
				for _, sv := range items {
					tw.AppendRow(table.Row{sv.ID, sv.Status, sv.PublishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func schemaResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Show the schema version governing at --as-of",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				id, err := c.Resolver.ResolveSchemaVersion(ctx, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"schema_version_id": id, "as_of": domain.FormatTime(asOf())})
			})
		},
	}
}

func entityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "entity", Short: "Manage entities"}
	cmd.AddCommand(entityPutCmd())
	cmd.AddCommand(entityDeleteCmd())
	cmd.AddCommand(entityShowCmd())
	cmd.AddCommand(entityHistoryCmd())
	cmd.AddCommand(entityTraverseCmd())
	return cmd
}

func entityPutCmd() *cobra.Command {
	var id, typeID, attributes, metadata string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Write a new entity state and evaluate rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				attrs, err := parseJSONObject(attributes)
				if err != nil {
					return fmt.Errorf("--attributes: %w", err)
				}
				var meta domain.Metadata
				if metadata != "" {
					if meta, err = parseJSONObject(metadata); err != nil {
						return fmt.Errorf("--metadata: %w", err)
					}
				}
				res, err := c.Rules.ProcessEntityUpdate(ctx, id, typeID, attrs, meta, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	cmd.Flags().StringVar(&typeID, "type", "", "entity type id")
	cmd.Flags().StringVar(&attributes, "attributes", "{}", "attributes JSON object")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Tombstone an entity (history stays queryable)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				v, err := c.Resolver.DeleteEntity(ctx, id, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func entityShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an entity snapshot at --as-of",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				snap, err := c.Resolver.GetSnapshot(ctx, id, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func entityHistoryCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the full version history of an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				history, err := c.Resolver.VersionHistory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Valid From", "Valid To", "Attributes"})
				for _, s := range history {
					validTo := ""
					if s.ValidTo != nil {
						validTo = *s.ValidTo
					}
					attrs, _ := json.Marshal(s.Attributes)
					tw.AppendRow(table.Row{s.VersionID, s.ValidFrom, validTo, string(attrs)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func entityTraverseCmd() *cobra.Command {
	var id, relation string
	cmd := &cobra.Command{
		Use:   "traverse",
		Short: "Follow a named relation at --as-of",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				results, err := c.Resolver.Traverse(ctx, id, relation, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	cmd.Flags().StringVar(&relation, "relation", "", "relation name (forward or inverse)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("relation")
	return cmd
}

func relationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "relation", Short: "Manage relationships"}
	cmd.AddCommand(relationCreateCmd())
	cmd.AddCommand(relationUpdateCmd())
	return cmd
}

func relationCreateCmd() *cobra.Command {
	var typeName, forward, inverse, source, target, properties string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a relationship between two entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				var props domain.Metadata
				var err error
				if properties != "" {
					if props, err = parseJSONObject(properties); err != nil {
						return fmt.Errorf("--properties: %w", err)
					}
				}
				rel, rv, err := c.Resolver.PutRelationship(ctx, domain.Relationship{
					TypeName:       typeName,
					ForwardName:    forward,
					InverseName:    inverse,
					SourceEntityID: source,
					TargetEntityID: target,
				}, props, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"relationship": rel, "version": rv})
			})
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "relationship type name")
	cmd.Flags().StringVar(&forward, "forward", "", "forward relation name")
	cmd.Flags().StringVar(&inverse, "inverse", "", "inverse relation name")
	cmd.Flags().StringVar(&source, "source", "", "source entity id")
	cmd.Flags().StringVar(&target, "target", "", "target entity id")
	cmd.Flags().StringVar(&properties, "properties", "", "properties JSON object")
	for _, f := range []string{"type", "forward", "inverse", "source", "target"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func relationUpdateCmd() *cobra.Command {
	var id, properties string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Open a new relationship version with new properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				props, err := parseJSONObject(properties)
				if err != nil {
					return fmt.Errorf("--properties: %w", err)
				}
				rv, err := c.Resolver.UpdateRelationship(ctx, id, props, asOf())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "relationship id")
	cmd.Flags().StringVar(&properties, "properties", "{}", "properties JSON object")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage rules"}
	cmd.AddCommand(ruleCreateCmd())
	cmd.AddCommand(ruleShowCmd())
	cmd.AddCommand(ruleListCmd())
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	var ruleID, eventType, condition string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a new rule version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				var cond domain.ConditionExpression
				if err := json.Unmarshal([]byte(condition), &cond); err != nil {
					return fmt.Errorf("--condition: %w", err)
				}
				schemaVersionID, err := c.Resolver.ResolveSchemaVersion(ctx, asOf())
				if err != nil {
					return err
				}
				rv, err := c.Repo.InsertRuleVersion(ctx, ruleID, schemaVersionID, eventType, &cond, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule-id", "", "stable rule id")
	cmd.Flags().StringVar(&eventType, "event-type", "", "event type emitted on false-to-true transition")
	cmd.Flags().StringVar(&condition, "condition", "", "condition expression JSON")
	_ = cmd.MarkFlagRequired("rule-id")
	_ = cmd.MarkFlagRequired("event-type")
	_ = cmd.MarkFlagRequired("condition")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one rule version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				rv, err := c.Repo.GetRuleVersion(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "rule version id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var ruleID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions of a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Repo.ListRuleVersions(ctx, ruleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Event Type", "Status", "Created"})
				for _, rv := range items {
					tw.AppendRow(table.Row{rv.ID, rv.VersionNumber, rv.EventType, rv.Status, rv.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule-id", "", "stable rule id")
	_ = cmd.MarkFlagRequired("rule-id")
	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	cmd.AddCommand(workflowCreateCmd())
	cmd.AddCommand(workflowShowCmd())
	cmd.AddCommand(workflowInstancesCmd())
	cmd.AddCommand(workflowInstanceShowCmd())
	return cmd
}

func workflowCreateCmd() *cobra.Command {
	var workflowID, trigger, steps, stepsFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a new workflow version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				raw := steps
				if stepsFile != "" {
					data, err := os.ReadFile(stepsFile)
					if err != nil {
						return err
					}
					raw = string(data)
				}
				var parsed []domain.WorkflowStep
				if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
					return fmt.Errorf("steps: %w", err)
				}
				schemaVersionID, err := c.Resolver.ResolveSchemaVersion(ctx, asOf())
				if err != nil {
					return err
				}
				wv, err := c.Repo.InsertWorkflowVersion(ctx, workflowID, schemaVersionID, trigger, parsed, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(wv)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "stable workflow id")
	cmd.Flags().StringVar(&trigger, "trigger", "", "event type that starts this workflow")
	cmd.Flags().StringVar(&steps, "steps", "", "step graph JSON array")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "file containing the step graph JSON")
	_ = cmd.MarkFlagRequired("workflow-id")
	_ = cmd.MarkFlagRequired("trigger")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one workflow version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				wv, err := c.Repo.GetWorkflowVersion(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(wv)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow version id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workflowInstancesCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Repo.ListInstances(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Current Step", "Started"})
				for _, inst := range items {
					step := ""
					if inst.CurrentStepID != nil {
						step = *inst.CurrentStepID
					}
					tw.AppendRow(table.Row{inst.ID, inst.Status, step, inst.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func workflowInstanceShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Show one instance with its step executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				inst, err := c.Repo.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				steps, err := c.Repo.ListStepExecutions(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"instance": inst, "step_executions": steps})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Human tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskDecideCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending human tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Repo.ListPendingHumanTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step Execution", "Assignee", "Due"})
				for _, t := range items {
					assignee, due := "", ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					if t.DueAt != nil {
						due = *t.DueAt
					}
					tw.AppendRow(table.Row{t.ID, t.StepExecutionID, assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskDecideCmd() *cobra.Command {
	var id, decision string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Record a decision on a pending task and resume its workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				d, err := parseJSONObject(decision)
				if err != nil {
					return fmt.Errorf("--decision: %w", err)
				}
				inst, err := c.Workflow.HandleHumanDecision(ctx, id, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&decision, "decision", "", `decision JSON, e.g. {"action":"approve"}`)
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func actionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "action", Short: "Manage actions and intents"}
	cmd.AddCommand(actionCreateCmd())
	cmd.AddCommand(actionDispatchCmd())
	cmd.AddCommand(actionIntentsCmd())
	cmd.AddCommand(actionAttemptsCmd())
	return cmd
}

func actionCreateCmd() *cobra.Command {
	var actionID, connector, connectorConfig string
	var maxAttempts, backoffMS int
	var multiplier float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a new action version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				cfg, err := parseJSONObject(connectorConfig)
				if err != nil {
					return fmt.Errorf("--config: %w", err)
				}
				av, err := c.Repo.InsertActionVersion(ctx, actionID, connector, cfg, domain.RetryPolicy{
					MaxAttempts:       maxAttempts,
					BackoffMS:         backoffMS,
					BackoffMultiplier: multiplier,
				}, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(av)
			})
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "stable action id")
	cmd.Flags().StringVar(&connector, "connector", "", "connector type: REST, SQL, SCRIPT, EMAIL, WEBHOOK")
	cmd.Flags().StringVar(&connectorConfig, "config", "{}", "connector config JSON")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "retry attempts")
	cmd.Flags().IntVar(&backoffMS, "backoff-ms", 1000, "base backoff in milliseconds")
	cmd.Flags().Float64Var(&multiplier, "backoff-multiplier", 2.0, "backoff multiplier")
	_ = cmd.MarkFlagRequired("action-id")
	_ = cmd.MarkFlagRequired("connector")
	return cmd
}

func actionDispatchCmd() *cobra.Command {
	var actionVersionID, key, input string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Create an intent and queue its execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				in, err := parseJSONObject(input)
				if err != nil {
					return fmt.Errorf("--input: %w", err)
				}
				intent, created, err := c.Actions.CreateIntent(ctx, actionVersionID, key, in, nil, nil)
				if err != nil {
					return err
				}
				av, err := c.Repo.GetActionVersion(ctx, actionVersionID)
				if err != nil {
					return err
				}
				_, _, err = c.Queue.Enqueue(ctx, queue.EnqueueParams{
					JobType:        domain.JobTypeActionDispatch,
					Payload:        domain.Metadata{"intent_id": intent.ID},
					Priority:       c.Cfg.Queue.DispatchPriority,
					MaxAttempts:    av.Retry.MaxAttempts,
					IdempotencyKey: "dispatch:" + intent.ID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"intent": intent, "created": created})
			})
		},
	}
	cmd.Flags().StringVar(&actionVersionID, "action-version", "", "action version id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&input, "input", "{}", "input JSON object")
	_ = cmd.MarkFlagRequired("action-version")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func actionIntentsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "intents",
		Short: "List action intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Repo.ListIntents(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action Version", "Status", "Key", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ActionVersionID, it.Status, it.IdempotencyKey, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func actionAttemptsCmd() *cobra.Command {
	var intentID string
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Show the attempt history of an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Repo.ListAttempts(ctx, intentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&intentID, "intent", "", "intent id")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Job queue"}
	cmd.AddCommand(jobEnqueueCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobCancelCmd())
	return cmd
}

func jobEnqueueCmd() *cobra.Command {
	var jobType, payload, key string
	var priority, maxAttempts int
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a job to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				p, err := parseJSONObject(payload)
				if err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
				job, created, err := c.Queue.Enqueue(ctx, queue.EnqueueParams{
					JobType:        jobType,
					Payload:        p,
					Priority:       priority,
					MaxAttempts:    maxAttempts,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": job, "created": created})
			})
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload JSON object")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher runs first)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override max attempts")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Queue.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Attempts", "Next Attempt"})
				for _, j := range items {
					next := ""
					if j.NextAttemptAt != nil {
						next = *j.NextAttemptAt
					}
					tw.AppendRow(table.Row{j.ID, j.JobType, j.Status, j.Priority, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), next})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				job, err := c.Queue.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				ok, err := c.Queue.Cancel(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job %s is not pending", id)
				}
				fmt.Println("cancelled", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Background workers"}
	cmd.AddCommand(workerStartCmd())
	cmd.AddCommand(workerDrainCmd())
	return cmd
}

func workerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run a worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return c.NewWorker().Start(ctx)
			})
		},
	}
}

func workerDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process jobs until the queue is empty, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				n, err := c.NewWorker().Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("processed %d jobs\n", n)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Domain event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent domain events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *app.Core) error {
				items, err := c.Events.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event Type", "Rule Version", "Entity Version", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.EventType, e.RuleVersionID, e.EntityVersionID, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	return cmd
}

func withCore(ctx context.Context, fn func(context.Context, *app.Core) error) error {
	log := logging.New(logging.LevelFromEnv())
	core, err := app.NewCore(viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}

// asOf returns the --as-of instant, defaulting to now.
func asOf() time.Time {
	raw := viper.GetString("as-of")
	if raw == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if t, err := domain.ParseTime(raw); err == nil {
		return t
	}
	fmt.Fprintf(os.Stderr, "warning: unparseable --as-of %q, using now\n", raw)
	return time.Now()
}

func parseJSONObject(raw string) (domain.Metadata, error) {
	var m domain.Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
