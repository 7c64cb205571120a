package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

// Handler processes one claimed job. Returning an error fails the attempt
// and lets the queue schedule a retry.
type Handler func(ctx context.Context, job domain.JobRecord) error

// Worker polls the queue and runs jobs through registered handlers. One
// worker row in job_workers represents one live process.
type Worker struct {
	Queue             Queue
	Log               *slog.Logger
	Handlers          map[string]Handler
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LockTimeout       time.Duration

	ID string
}

// Start registers the worker and processes jobs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	defer w.deregister()
	w.Log.Info("worker started", "worker_id", w.ID, "poll_interval", w.pollInterval())

	poll := time.NewTicker(w.pollInterval())
	defer poll.Stop()
	heartbeat := time.NewTicker(w.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		// Drain runnable jobs before sleeping.
		for {
			processed, err := w.RunOne(ctx)
			if err != nil {
				w.Log.Error("worker poll failed", "worker_id", w.ID, "err", err)
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.Log.Info("worker stopping", "worker_id", w.ID)
			return nil
		case <-heartbeat.C:
			if err := w.heartbeatSelf(ctx); err != nil {
				w.Log.Warn("worker heartbeat failed", "worker_id", w.ID, "err", err)
			}
			if n, err := w.Queue.ReclaimStale(ctx, w.lockTimeout()); err != nil {
				w.Log.Warn("stale lock reclaim failed", "worker_id", w.ID, "err", err)
			} else if n > 0 {
				w.Log.Info("reclaimed stale jobs", "worker_id", w.ID, "count", n)
			}
		case <-poll.C:
		}
	}
}

// RunOne claims and processes at most one job. The bool reports whether a
// job was processed.
func (w *Worker) RunOne(ctx context.Context) (bool, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	job, err := w.Queue.Claim(ctx, w.ID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, *job)
	return true, nil
}

// Drain processes jobs until the queue has no runnable work left. Used by
// tests and one-shot CLI runs.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	var n int
	for {
		processed, err := w.RunOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (w *Worker) process(ctx context.Context, job domain.JobRecord) {
	log := w.Log.With("worker_id", w.ID, "job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)

	handler, ok := w.Handlers[job.JobType]
	if !ok {
		log.Error("no handler for job type")
		if _, err := w.Queue.Fail(ctx, job.ID, w.ID, fmt.Sprintf("no handler for job type %q", job.JobType)); err != nil {
			log.Error("fail job", "err", err)
		}
		return
	}

	// Renew the job lock while the handler runs so a slow job is not
	// reclaimed as stale.
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go func() {
		t := time.NewTicker(w.heartbeatInterval())
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := w.Queue.Heartbeat(hbCtx, job.ID, w.ID); err != nil {
					log.Warn("job heartbeat failed", "err", err)
				}
			}
		}
	}()

	if err := handler(ctx, job); err != nil {
		retrying, ferr := w.Queue.Fail(ctx, job.ID, w.ID, err.Error())
		if ferr != nil {
			log.Error("fail job", "err", ferr)
			return
		}
		if retrying {
			log.Warn("job failed, retry scheduled", "err", err)
		} else {
			log.Error("job failed terminally", "err", err)
		}
		return
	}
	if err := w.Queue.Complete(ctx, job.ID, w.ID); err != nil {
		log.Error("complete job", "err", err)
		return
	}
	log.Info("job completed")
}

func (w *Worker) register(ctx context.Context) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	hostname, _ := os.Hostname()
	now := domain.FormatTime(w.Queue.now())
	_, err := w.Queue.DB.ExecContext(ctx,
		`INSERT INTO job_workers(id,hostname,pid,status,last_heartbeat,started_at) VALUES (?,?,?,?,?,?)`,
		w.ID, hostname, os.Getpid(), "ACTIVE", now, now)
	return err
}

func (w *Worker) heartbeatSelf(ctx context.Context) error {
	_, err := w.Queue.DB.ExecContext(ctx,
		`UPDATE job_workers SET last_heartbeat=? WHERE id=?`,
		domain.FormatTime(w.Queue.now()), w.ID)
	return err
}

func (w *Worker) deregister() {
	_, err := w.Queue.DB.Exec(`UPDATE job_workers SET status='OFFLINE' WHERE id=?`, w.ID)
	if err != nil {
		w.Log.Warn("worker deregister failed", "worker_id", w.ID, "err", err)
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return 5 * time.Second
}

func (w *Worker) heartbeatInterval() time.Duration {
	if w.HeartbeatInterval > 0 {
		return w.HeartbeatInterval
	}
	return 30 * time.Second
}

func (w *Worker) lockTimeout() time.Duration {
	if w.LockTimeout > 0 {
		return w.LockTimeout
	}
	return 2 * time.Minute
}
