package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/tools"
)

const (
	tickInterval = 60 * time.Second

	// fireDelay decouples job execution from the tick loop.
	fireDelay = 100 * time.Millisecond

	defaultJobTimeout = 5 * time.Minute
)

// SendFunc delivers a message on a channel. Supplied by the gateway's
// Message Router.
type SendFunc func(channel, chatID, text string)

// RunAgentFunc runs a full agent turn for a synthetic cron session and
// returns the final assistant text. Supplied by the gateway wiring so
// the scheduler never holds the loop itself.
type RunAgentFunc func(ctx context.Context, prompt, channel, chatID string) (string, error)

type entry struct {
	job     Job
	running bool
}

// Service ticks every minute and fires due jobs. Start and Stop bound
// its lifecycle; the owner decides when.
type Service struct {
	store    *JobStore
	runlog   *RunLogStore
	bus      *bus.Bus
	tools    *tools.Registry
	send     SendFunc
	runAgent RunAgentFunc

	mu      sync.Mutex
	entries map[string]*entry

	done chan struct{}
	wg   sync.WaitGroup
}

func NewService(store *JobStore, runlog *RunLogStore, eventBus *bus.Bus, toolReg *tools.Registry, send SendFunc, runAgent RunAgentFunc) *Service {
	return &Service{
		store:    store,
		runlog:   runlog,
		bus:      eventBus,
		tools:    toolReg,
		send:     send,
		runAgent: runAgent,
		entries:  make(map[string]*entry),
		done:     make(chan struct{}),
	}
}

// Start loads persisted jobs, recomputes next-run times, fires any
// @reboot jobs once, and begins the tick loop.
func (s *Service) Start(ctx context.Context) error {
	jobs, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load cron jobs: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	for _, j := range jobs {
		if j.Schedule != RebootSchedule {
			next, err := NextRun(j.Schedule, now)
			if err != nil {
				slog.Warn("cron job has unusable schedule, skipping",
					"job", j.ID, "schedule", j.Schedule, "error", err)
				continue
			}
			j.NextRun = next
		}
		s.entries[j.ID] = &entry{job: j}
	}
	s.mu.Unlock()

	slog.Info("cron.started", "jobs", len(jobs))

	for _, j := range jobs {
		if j.Enabled && j.Schedule == RebootSchedule {
			s.fire(ctx, j.ID)
		}
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop halts the tick loop and waits for in-flight jobs.
func (s *Service) Stop() {
	close(s.done)
	s.wg.Wait()
	slog.Info("cron.stopped")
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, time.Now())
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick fires every due, enabled, not-already-running job via a
// short-delay timer.
func (s *Service) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []string
	for id, e := range s.entries {
		if !e.job.Enabled || e.running || e.job.NextRun.IsZero() {
			continue
		}
		if !e.job.NextRun.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		id := id
		time.AfterFunc(fireDelay, func() { s.fire(ctx, id) })
	}
}

// fire runs one job to completion: run log, events, ordered actions
// under the per-job timeout, counters, and next-run rescheduling.
func (s *Service) fire(ctx context.Context, jobID string) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok || e.running {
		s.mu.Unlock()
		return
	}
	e.running = true
	job := e.job
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.finish(jobID)

	timeout := defaultJobTimeout
	if job.TimeoutSec > 0 {
		timeout = time.Duration(job.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var runID int64
	if s.runlog != nil {
		var err error
		runID, err = s.runlog.Start(runCtx, job.ID)
		if err != nil {
			slog.Warn("cron run log start failed", "job", job.ID, "error", err)
		}
	}

	slog.Info("cron.job.started", "job", job.ID, "name", job.Name)
	s.bus.Emit(bus.TopicCronJobStarted, bus.CronJobPayload{JobID: job.ID, Name: job.Name})

	output, err := s.runActions(runCtx, job)

	status := RunCompleted
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			status = RunTimeout
		} else {
			status = RunFailed
		}
	}

	if s.runlog != nil && runID != 0 {
		// Finish with a fresh context; runCtx may already be dead.
		if lerr := s.runlog.Finish(context.Background(), runID, status, output, errMsg); lerr != nil {
			slog.Warn("cron run log finish failed", "job", job.ID, "error", lerr)
		}
	}

	if err != nil {
		slog.Error("cron.job.failed", "job", job.ID, "status", status, "error", err)
		s.bus.Emit(bus.TopicCronJobFailed, bus.CronJobPayload{JobID: job.ID, Name: job.Name, Error: errMsg})
	} else {
		slog.Info("cron.job.completed", "job", job.ID)
		s.bus.Emit(bus.TopicCronJobCompleted, bus.CronJobPayload{JobID: job.ID, Name: job.Name})
	}

	s.record(jobID, err != nil)
}

// runActions executes the job's actions in declared order, stopping at
// the first failure.
func (s *Service) runActions(ctx context.Context, job Job) (string, error) {
	var lastOutput string

	for i, a := range job.Actions {
		switch a.Type {
		case ActionMessage:
			if s.send == nil {
				return lastOutput, fmt.Errorf("action %d: no message transport wired", i)
			}
			s.send(job.Channel, job.ChatID, a.Text)
			lastOutput = a.Text

		case ActionTool:
			toolCtx := tools.WithSession(ctx, tools.SessionRef{
				SessionID: "cron:" + job.ID + ":" + uuid.NewString(),
				Channel:   job.Channel,
				ChatID:    job.ChatID,
			})
			env := s.tools.Execute(toolCtx, a.Tool, a.Args)
			if env.Error != nil {
				return lastOutput, fmt.Errorf("action %d: tool %s: %s", i, a.Tool, env.Error.Message)
			}
			if out, ok := env.Data.(string); ok {
				lastOutput = out
			} else {
				lastOutput = env.JSON()
			}
			if a.SendOutput && s.send != nil && lastOutput != "" {
				s.send(job.Channel, job.ChatID, lastOutput)
			}

		case ActionAgent:
			if s.runAgent == nil {
				return lastOutput, fmt.Errorf("action %d: no agent runner wired", i)
			}
			reply, err := s.runAgent(ctx, a.Prompt, job.Channel, job.ChatID)
			if err != nil {
				return lastOutput, fmt.Errorf("action %d: agent run: %w", i, err)
			}
			reply = stripRoute(reply)
			lastOutput = reply
			if reply != "" && s.send != nil {
				s.send(job.Channel, job.ChatID, reply)
			}

		default:
			return lastOutput, fmt.Errorf("action %d: unknown action type %q", i, a.Type)
		}

		if ctx.Err() != nil {
			return lastOutput, ctx.Err()
		}
	}
	return lastOutput, nil
}

// finish clears the running flag and computes the next occurrence.
func (s *Service) finish(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return
	}
	e.running = false

	now := time.Now()
	e.job.LastRun = &now
	if e.job.Schedule == RebootSchedule {
		e.job.NextRun = time.Time{}
		return
	}
	next, err := NextRun(e.job.Schedule, now)
	if err != nil {
		slog.Warn("cron job disabled, schedule no longer computable",
			"job", jobID, "error", err)
		e.job.Enabled = false
		return
	}
	e.job.NextRun = next
}

// record bumps the run and fail counters and persists job metadata.
func (s *Service) record(jobID string, failed bool) {
	s.mu.Lock()
	if e, ok := s.entries[jobID]; ok {
		e.job.RunCount++
		if failed {
			e.job.FailCount++
		}
	}
	jobs := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.Save(jobs); err != nil {
		slog.Warn("cron jobs persist failed", "error", err)
	}
}

func (s *Service) snapshotLocked() []Job {
	jobs := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// AddJob validates, registers and persists a new job.
func (s *Service) AddJob(job Job) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if len(job.Actions) == 0 {
		return fmt.Errorf("job %s has no actions", job.ID)
	}
	if job.Schedule != RebootSchedule {
		next, err := NextRun(job.Schedule, time.Now())
		if err != nil {
			return err
		}
		job.NextRun = next
	}

	s.mu.Lock()
	s.entries[job.ID] = &entry{job: job}
	jobs := s.snapshotLocked()
	s.mu.Unlock()

	return s.store.Save(jobs)
}

// RemoveJob deletes a job and persists the list.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	jobs := s.snapshotLocked()
	s.mu.Unlock()

	return s.store.Save(jobs)
}

// Jobs returns a snapshot of all registered jobs.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// stripRoute removes a <route>...</route> directive the prompt may have
// taught the model to emit for delivery targeting.
func stripRoute(content string) string {
	for {
		start := strings.Index(content, "<route>")
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], "</route>")
		if end < 0 {
			break
		}
		content = content[:start] + content[start+end+len("</route>"):]
	}
	return strings.TrimSpace(content)
}
