package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id int64, chatID int64, ts, content string) types.InboundMessage {
	return types.InboundMessage{
		ID: id, ChatID: chatID, Sender: 100, SenderName: "alice",
		Content: content, Timestamp: ts,
	}
}

func TestNewMessagesSince(t *testing.T) {
	s := openTestStore(t)

	mustStore := func(m types.InboundMessage, fromMe bool) {
		t.Helper()
		if err := s.StoreMessage(m, fromMe); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	mustStore(msg(1, 10, "2026-08-01T10:00:00Z", "first"), false)
	mustStore(msg(2, 10, "2026-08-01T10:01:00Z", "second"), false)
	mustStore(msg(3, 10, "2026-08-01T10:02:00Z", "from assistant"), true)
	mustStore(msg(4, 20, "2026-08-01T10:03:00Z", "other chat"), false)
	mustStore(msg(5, 30, "2026-08-01T10:04:00Z", "unregistered chat"), false)

	got, err := s.NewMessagesSince([]int64{10, 20}, "2026-08-01T10:00:00Z")
	if err != nil {
		t.Fatalf("NewMessagesSince: %v", err)
	}

	// Strictly-greater boundary excludes the first message; the assistant's
	// own message and the unlisted chat are filtered out.
	wantIDs := []int64{2, 4}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d messages, want %d", len(got), len(wantIDs))
	}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Errorf("message %d has id %d, want %d", i, got[i].ID, want)
		}
	}
}

func TestNewMessagesSinceOrdering(t *testing.T) {
	s := openTestStore(t)

	// Insert out of chronological order.
	for _, m := range []types.InboundMessage{
		msg(3, 10, "2026-08-01T12:00:00Z", "c"),
		msg(1, 10, "2026-08-01T10:00:00Z", "a"),
		msg(2, 10, "2026-08-01T11:00:00Z", "b"),
	} {
		if err := s.StoreMessage(m, false); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	got, err := s.NewMessagesSince([]int64{10}, "")
	if err != nil {
		t.Fatalf("NewMessagesSince: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Errorf("messages not in ascending timestamp order at index %d", i)
		}
	}
}

func TestMessagesSinceExcludesProcessed(t *testing.T) {
	s := openTestStore(t)

	if err := s.StoreMessage(msg(1, 10, "2026-08-01T10:00:00Z", "processed"), false); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if err := s.StoreMessage(msg(2, 10, "2026-08-01T10:05:00Z", "pending"), false); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	got, err := s.MessagesSince(10, "2026-08-01T10:00:00Z")
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("got %+v, want only the pending message", got)
	}
}

func TestStoreMessageDuplicateIgnored(t *testing.T) {
	s := openTestStore(t)

	m := msg(1, 10, "2026-08-01T10:00:00Z", "hello")
	if err := s.StoreMessage(m, false); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if err := s.StoreMessage(m, false); err != nil {
		t.Fatalf("StoreMessage (duplicate): %v", err)
	}

	got, err := s.NewMessagesSince([]int64{10}, "")
	if err != nil {
		t.Fatalf("NewMessagesSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate insert produced %d rows, want 1", len(got))
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)

	task := &types.ScheduledTask{
		ID:            "task-1-abc",
		GroupFolder:   "family",
		ChatID:        10,
		Prompt:        "morning briefing",
		ScheduleType:  types.ScheduleCron,
		ScheduleValue: "0 9 * * *",
		ContextMode:   types.ContextIsolated,
		NextRun:       "2026-08-02T09:00:00Z",
		Status:        types.TaskActive,
		CreatedAt:     "2026-08-01T10:00:00Z",
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.TaskByID("task-1-abc")
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got == nil {
		t.Fatal("TaskByID returned nil for existing task")
	}
	if got.Prompt != task.Prompt || got.ScheduleType != task.ScheduleType || got.Status != types.TaskActive {
		t.Errorf("round-tripped task mismatch: %+v", got)
	}

	if err := s.UpdateTaskStatus("task-1-abc", types.TaskPaused); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, _ = s.TaskByID("task-1-abc")
	if got.Status != types.TaskPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}

	if err := s.DeleteTask("task-1-abc"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	got, err = s.TaskByID("task-1-abc")
	if err != nil {
		t.Fatalf("TaskByID after delete: %v", err)
	}
	if got != nil {
		t.Fatal("task still present after delete")
	}
}

func TestDueTasks(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id, nextRun string, status types.TaskStatus) {
		t.Helper()
		err := s.CreateTask(&types.ScheduledTask{
			ID: id, GroupFolder: "family", ChatID: 10, Prompt: "p",
			ScheduleType: types.ScheduleOnce, ScheduleValue: nextRun,
			ContextMode: types.ContextIsolated, NextRun: nextRun,
			Status: status, CreatedAt: "2026-08-01T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
	}

	mk("due-past", "2026-08-01T11:00:00Z", types.TaskActive)
	mk("due-now", "2026-08-01T12:00:00Z", types.TaskActive)
	mk("not-due", "2026-08-01T13:00:00Z", types.TaskActive)
	mk("paused", "2026-08-01T11:00:00Z", types.TaskPaused)

	due, err := s.DueTasks(now)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due tasks, want 2", len(due))
	}
	if due[0].ID != "due-past" || due[1].ID != "due-now" {
		t.Errorf("due order = %s, %s; want due-past, due-now", due[0].ID, due[1].ID)
	}
}

func TestUpdateTaskAfterRun(t *testing.T) {
	s := openTestStore(t)

	err := s.CreateTask(&types.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatID: 10, Prompt: "p",
		ScheduleType: types.ScheduleOnce, ScheduleValue: "2026-08-01T11:00:00Z",
		ContextMode: types.ContextIsolated, NextRun: "2026-08-01T11:00:00Z",
		Status: types.TaskActive, CreatedAt: "2026-08-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.UpdateTaskAfterRun("t1", "2026-08-01T11:00:05Z", "done", "", types.TaskCompleted); err != nil {
		t.Fatalf("UpdateTaskAfterRun: %v", err)
	}

	got, _ := s.TaskByID("t1")
	if got.Status != types.TaskCompleted || got.LastRun != "2026-08-01T11:00:05Z" || got.LastResult != "done" || got.NextRun != "" {
		t.Errorf("after run: %+v", got)
	}
}
