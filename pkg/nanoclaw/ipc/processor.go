package ipc

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

// TaskStore is the task persistence surface the processor needs.
type TaskStore interface {
	CreateTask(t *types.ScheduledTask) error
	TaskByID(id string) (*types.ScheduledTask, error)
	UpdateTaskStatus(id string, status types.TaskStatus) error
	DeleteTask(id string) error
}

// GroupRegistry resolves registered groups.
type GroupRegistry interface {
	GroupByChatID(chatID int64) (*types.RegisteredGroup, bool)
	GroupByFolder(folder string) (*types.RegisteredGroup, bool)
}

// Processor interprets task commands coming from sandbox mailboxes. It
// never raises on authorization or validation failure: such requests are
// logged and dropped as if they had never arrived. Only store failures
// surface as errors (and quarantine the originating file).
type Processor struct {
	store  TaskStore
	groups GroupRegistry
	loc    *time.Location
	logger *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewProcessor creates a task command processor. loc is the timezone cron
// expressions are evaluated in.
func NewProcessor(store TaskStore, groups GroupRegistry, loc *time.Location, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Processor{
		store:  store,
		groups: groups,
		loc:    loc,
		logger: logger.With("component", "ipc-tasks"),
		now:    time.Now,
	}
}

// Process handles one task envelope from sourceGroup.
func (p *Processor) Process(env *TaskEnvelope, sourceGroup string, isMain bool) error {
	switch env.Type {
	case KindScheduleTask:
		return p.schedule(env, sourceGroup, isMain)
	case KindPauseTask:
		return p.setStatus(env.TaskID, sourceGroup, isMain, types.TaskPaused, "paused")
	case KindResumeTask:
		return p.setStatus(env.TaskID, sourceGroup, isMain, types.TaskActive, "resumed")
	case KindCancelTask:
		return p.cancel(env.TaskID, sourceGroup, isMain)
	default:
		p.logger.Warn("unknown task command type", "type", env.Type, "source", sourceGroup)
		return nil
	}
}

func (p *Processor) schedule(env *TaskEnvelope, sourceGroup string, isMain bool) error {
	if env.Prompt == "" || env.ScheduleType == "" || env.ScheduleValue == "" || env.GroupFolder == "" {
		p.logger.Warn("schedule_task missing required fields", "source", sourceGroup)
		return nil
	}

	target := env.GroupFolder
	if !isMain && target != sourceGroup {
		p.logger.Warn("unauthorized schedule_task attempt blocked",
			"source", sourceGroup, "target", target)
		return nil
	}

	group, ok := p.groups.GroupByFolder(target)
	if !ok {
		p.logger.Warn("cannot schedule task: target group not registered", "target", target)
		return nil
	}

	nextRun, ok := p.computeNextRun(types.ScheduleType(env.ScheduleType), env.ScheduleValue)
	if !ok {
		return nil
	}

	contextMode := types.ContextIsolated
	if env.ContextMode == string(types.ContextGroup) {
		contextMode = types.ContextGroup
	}

	now := p.now()
	task := &types.ScheduledTask{
		ID:            newTaskID(now),
		GroupFolder:   target,
		ChatID:        group.ChatID,
		Prompt:        env.Prompt,
		ScheduleType:  types.ScheduleType(env.ScheduleType),
		ScheduleValue: env.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
		Status:        types.TaskActive,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
	if err := p.store.CreateTask(task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	p.logger.Info("task created via IPC",
		"task_id", task.ID,
		"source", sourceGroup,
		"target", target,
		"context_mode", contextMode,
		"next_run", nextRun,
	)
	return nil
}

// computeNextRun turns (type, value) into the first fire time. Returns
// ok=false when the value does not validate; the request is then dropped
// with no task created.
func (p *Processor) computeNextRun(schedType types.ScheduleType, value string) (string, bool) {
	now := p.now()
	switch schedType {
	case types.ScheduleCron:
		next, err := NextCron(value, p.loc, now)
		if err != nil {
			p.logger.Warn("invalid cron expression", "schedule_value", value, "error", err)
			return "", false
		}
		return next.UTC().Format(time.RFC3339), true

	case types.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			p.logger.Warn("invalid interval", "schedule_value", value)
			return "", false
		}
		return now.Add(time.Duration(ms) * time.Millisecond).UTC().Format(time.RFC3339), true

	case types.ScheduleOnce:
		// The timestamp is taken verbatim: scheduling in the past is the
		// sandbox's problem, not a validation failure.
		t, err := parseAbsoluteTime(value, p.loc)
		if err != nil {
			p.logger.Warn("invalid timestamp", "schedule_value", value)
			return "", false
		}
		return t.UTC().Format(time.RFC3339), true

	default:
		p.logger.Warn("unknown schedule type", "schedule_type", schedType)
		return "", false
	}
}

func (p *Processor) setStatus(taskID, sourceGroup string, isMain bool, status types.TaskStatus, verb string) error {
	if taskID == "" {
		return nil
	}
	task, err := p.store.TaskByID(taskID)
	if err != nil {
		return fmt.Errorf("lookup task %q: %w", taskID, err)
	}
	if task == nil || (!isMain && task.GroupFolder != sourceGroup) {
		p.logger.Warn("unauthorized or unknown task "+verb+" attempt",
			"task_id", taskID, "source", sourceGroup)
		return nil
	}
	if err := p.store.UpdateTaskStatus(taskID, status); err != nil {
		return fmt.Errorf("update task %q: %w", taskID, err)
	}
	p.logger.Info("task "+verb+" via IPC", "task_id", taskID, "source", sourceGroup)
	return nil
}

func (p *Processor) cancel(taskID, sourceGroup string, isMain bool) error {
	if taskID == "" {
		return nil
	}
	task, err := p.store.TaskByID(taskID)
	if err != nil {
		return fmt.Errorf("lookup task %q: %w", taskID, err)
	}
	if task == nil || (!isMain && task.GroupFolder != sourceGroup) {
		p.logger.Warn("unauthorized or unknown task cancel attempt",
			"task_id", taskID, "source", sourceGroup)
		return nil
	}
	if err := p.store.DeleteTask(taskID); err != nil {
		return fmt.Errorf("delete task %q: %w", taskID, err)
	}
	p.logger.Info("task cancelled via IPC", "task_id", taskID, "source", sourceGroup)
	return nil
}

// NextCron parses a standard 5-field cron expression in loc and returns
// its next fire time strictly after now.
func NextCron(expr string, loc *time.Location, now time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)), nil
}

// parseAbsoluteTime accepts the timestamp formats sandboxes are known to
// emit for one-shot schedules. Bare local formats are interpreted in loc.
func parseAbsoluteTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// newTaskID builds a time-prefixed id with a random suffix. Uniqueness is
// probabilistic, matching the sandbox contract.
func newTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("task-%d-%s", now.UnixMilli(), suffix)
}
