// Package scheduler implements the job-firing loop: it polls the store for
// due scheduled tasks, runs each one as an agent turn, announces the result
// to the task's chat, and recomputes the next fire time.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/agent"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/state"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

// TaskStore is the persistence surface the firing loop needs.
type TaskStore interface {
	DueTasks(now time.Time) ([]*types.ScheduledTask, error)
	UpdateTaskAfterRun(id, lastRun, lastResult, nextRun string, status types.TaskStatus) error
}

// Sender announces task results into a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Scheduler runs due tasks on a self-re-arming poll.
type Scheduler struct {
	store   TaskStore
	state   *state.State
	invoker agent.Invoker
	sender  Sender
	loc     *time.Location
	logger  *slog.Logger

	assistantName string
	defaultModel  string
	interval      time.Duration

	// now is stubbed in tests.
	now func() time.Time
}

// New creates the task firing loop.
func New(store TaskStore, st *state.State, invoker agent.Invoker, sender Sender,
	loc *time.Location, assistantName, defaultModel string, interval time.Duration,
	logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:         store,
		state:         st,
		invoker:       invoker,
		sender:        sender,
		loc:           loc,
		logger:        logger.With("component", "scheduler"),
		assistantName: assistantName,
		defaultModel:  defaultModel,
		interval:      interval,
		now:           time.Now,
	}
}

// Run polls until ctx is cancelled. Each cycle re-arms only after all due
// tasks finished, so cycles never overlap.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler loop started", "interval", s.interval)
	for {
		s.Cycle(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-time.After(s.interval):
		}
	}
}

// Cycle fires every task due at this instant. A failing task is recorded
// and rescheduled; it never stops the others.
func (s *Scheduler) Cycle(ctx context.Context) {
	due, err := s.store.DueTasks(s.now())
	if err != nil {
		s.logger.Error("querying due tasks failed", "error", err)
		return
	}

	for _, task := range due {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *types.ScheduledTask) {
	group, ok := s.state.GroupByFolder(task.GroupFolder)
	if !ok {
		// The owning group disappeared from the registry; park the task so
		// it stops firing but stays inspectable.
		s.logger.Warn("task owner not registered, pausing", "task_id", task.ID, "folder", task.GroupFolder)
		if err := s.store.UpdateTaskAfterRun(task.ID, task.LastRun, task.LastResult, task.NextRun, types.TaskPaused); err != nil {
			s.logger.Error("pausing orphaned task failed", "task_id", task.ID, "error", err)
		}
		return
	}

	s.logger.Info("running scheduled task",
		"task_id", task.ID,
		"group", group.Name,
		"context_mode", task.ContextMode,
	)

	result := s.invoke(ctx, group, task)

	firedAt := s.now()
	if result != "" && s.sender != nil {
		if err := s.sender.Send(ctx, task.ChatID, s.assistantName+": "+result); err != nil {
			s.logger.Error("announcing task result failed", "task_id", task.ID, "error", err)
		}
	}

	nextRun, status := s.reschedule(task, firedAt)
	if err := s.store.UpdateTaskAfterRun(
		task.ID,
		firedAt.UTC().Format(time.RFC3339),
		result,
		nextRun,
		status,
	); err != nil {
		s.logger.Error("recording task run failed", "task_id", task.ID, "error", err)
	}
}

// invoke runs the task prompt as one agent turn under the namespace lock.
// Group-context tasks continue the group's session and may replace its
// handle; isolated tasks start fresh and any session they return is
// discarded.
func (s *Scheduler) invoke(ctx context.Context, group *types.RegisteredGroup, task *types.ScheduledTask) string {
	unlock := s.state.LockFolder(group.Folder)
	defer unlock()

	sessionID := ""
	if task.ContextMode == types.ContextGroup {
		sessionID, _ = s.state.Session(group.Folder)
	}
	model := group.Model
	if model == "" {
		model = s.defaultModel
	}

	out, err := s.invoker.Invoke(ctx, group, agent.Input{
		Prompt:      task.Prompt,
		SessionID:   sessionID,
		GroupFolder: group.Folder,
		ChatID:      task.ChatID,
		IsMain:      group.IsMain,
		Model:       model,
	})
	if err != nil {
		s.logger.Error("scheduled task invocation failed", "task_id", task.ID, "error", err)
		return ""
	}

	if task.ContextMode == types.ContextGroup && out.NewSessionID != "" {
		if err := s.state.SetSession(group.Folder, out.NewSessionID); err != nil {
			s.logger.Error("persisting session failed", "group", group.Folder, "error", err)
		}
	}

	if out.Status == "error" {
		s.logger.Error("scheduled task agent error", "task_id", task.ID, "agent_error", out.Error)
		return ""
	}
	return out.Result
}

// reschedule computes the next fire time after a run. One-shot tasks
// complete; recurring ones advance.
func (s *Scheduler) reschedule(task *types.ScheduledTask, firedAt time.Time) (string, types.TaskStatus) {
	switch task.ScheduleType {
	case types.ScheduleCron:
		next, err := ipc.NextCron(task.ScheduleValue, s.loc, firedAt)
		if err != nil {
			s.logger.Error("rescheduling cron task failed", "task_id", task.ID, "error", err)
			return "", types.TaskCompleted
		}
		return next.UTC().Format(time.RFC3339), types.TaskActive

	case types.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(task.ScheduleValue), 10, 64)
		if err != nil || ms <= 0 {
			s.logger.Error("rescheduling interval task failed", "task_id", task.ID, "schedule_value", task.ScheduleValue)
			return "", types.TaskCompleted
		}
		return firedAt.Add(time.Duration(ms) * time.Millisecond).UTC().Format(time.RFC3339), types.TaskActive

	case types.ScheduleOnce:
		return "", types.TaskCompleted

	default:
		s.logger.Error("unknown schedule type", "task_id", task.ID, "schedule_type", task.ScheduleType)
		return "", types.TaskCompleted
	}
}
