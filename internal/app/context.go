// Package app wires the platform together: one database, one config, and
// the engines layered on top in trigger order (rules fire events, events
// start workflows, workflows dispatch actions, the queue runs them).
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"ontoflow/internal/action"
	"ontoflow/internal/config"
	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/events"
	"ontoflow/internal/migrate"
	"ontoflow/internal/queue"
	"ontoflow/internal/repo"
	"ontoflow/internal/rules"
	"ontoflow/internal/snapshot"
	"ontoflow/internal/workflow"
)

type Core struct {
	DB       *sql.DB
	Cfg      *config.Config
	Log      *slog.Logger
	Repo     repo.Repo
	Events   events.Writer
	Resolver snapshot.Resolver
	Rules    rules.Engine
	Workflow workflow.Engine
	Queue    queue.Queue
	Actions  action.Engine
	Now      func() time.Time
}

// NewCore opens the workspace database, migrates it, and wires every engine.
func NewCore(workspace string, log *slog.Logger) (*Core, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	core, err := Wire(conn, cfg, log, time.Now)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return core, nil
}

// Wire builds a Core on an already opened and migrated database. Tests use
// it directly with an injected clock.
func Wire(conn *sql.DB, cfg *config.Config, log *slog.Logger, now func() time.Time) (*Core, error) {
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn, Now: now}
	resolver := snapshot.Resolver{DB: conn, Repo: r, Now: now}

	q := queue.Queue{
		DB:                conn,
		Now:               now,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffMS:         cfg.Queue.BackoffMS,
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
	}

	script, err := action.NewScriptConnector(cfg.Connectors.Script.CostLimit)
	if err != nil {
		return nil, err
	}
	restTimeout := time.Duration(cfg.Connectors.REST.TimeoutSeconds) * time.Second
	actions := action.Engine{
		DB:   conn,
		Repo: r,
		Log:  log,
		Now:  now,
		Connectors: map[string]action.Connector{
			domain.ConnectorREST:    action.NewRESTConnector(restTimeout),
			domain.ConnectorWebhook: action.NewWebhookConnector(restTimeout),
			domain.ConnectorSQL:     action.SQLConnector{DB: conn},
			domain.ConnectorEmail:   action.NewEmailConnector(cfg.Connectors.Email.Host, cfg.Connectors.Email.Port, cfg.Connectors.Email.From),
			domain.ConnectorScript:  script,
		},
	}
	dispatcher := action.Dispatcher{Engine: actions, Queue: q, Priority: cfg.Queue.DispatchPriority}

	wf := workflow.Engine{
		DB:         conn,
		Repo:       r,
		Log:        log,
		Now:        now,
		Handlers:   workflow.BuiltinHandlers(dispatcher),
		Dispatcher: dispatcher,
	}

	re := rules.Engine{
		DB:       conn,
		Repo:     r,
		Resolver: resolver,
		Events:   ev,
		Sink:     wf,
		Log:      log,
		Now:      now,
	}

	return &Core{
		DB:       conn,
		Cfg:      cfg,
		Log:      log,
		Repo:     r,
		Events:   ev,
		Resolver: resolver,
		Rules:    re,
		Workflow: wf,
		Queue:    q,
		Actions:  actions,
		Now:      now,
	}, nil
}

// NewWorker builds a worker with the built-in job handlers registered.
func (c *Core) NewWorker() *queue.Worker {
	return &queue.Worker{
		Queue:             c.Queue,
		Log:               c.Log,
		PollInterval:      c.Cfg.PollInterval(),
		HeartbeatInterval: c.Cfg.HeartbeatInterval(),
		LockTimeout:       c.Cfg.LockTimeout(),
		Handlers: map[string]queue.Handler{
			domain.JobTypeActionDispatch: action.DispatchHandler(c.Actions),
			domain.JobTypeRuleSweep:      c.ruleSweepHandler(),
			domain.JobTypeSystemPing:     c.pingHandler(),
		},
	}
}

// ruleSweepHandler re-evaluates every rule against the current version of
// each live entity. Used after publishing new rules so transitions that
// should already hold get picked up without waiting for the next update.
func (c *Core) ruleSweepHandler() queue.Handler {
	return func(ctx context.Context, job domain.JobRecord) error {
		rows, err := c.DB.QueryContext(ctx, `SELECT id FROM entity_versions WHERE valid_to IS NULL AND deleted=0`)
		if err != nil {
			return err
		}
		var versionIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			versionIDs = append(versionIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range versionIDs {
			if _, err := c.Rules.ReplayEntityVersion(ctx, id); err != nil {
				c.Log.Warn("rule sweep: replay failed", "entity_version_id", id, "err", err)
			}
		}
		c.Log.Info("rule sweep finished", "versions", len(versionIDs))
		return nil
	}
}

func (c *Core) pingHandler() queue.Handler {
	return func(ctx context.Context, job domain.JobRecord) error {
		c.Log.Info("pong", "job_id", job.ID)
		return nil
	}
}

func (c *Core) Close() error {
	return c.DB.Close()
}
