// Package types defines the shared data model for NanoClaw: registered
// groups, inbound messages, and scheduled tasks. Timestamps are ISO-8601
// strings so they compare the same way lexicographically and chronologically.
package types

// MainGroupFolder is the privileged namespace. Exactly one registered group
// may use it; a sandbox running under it may act on any group's behalf.
const MainGroupFolder = "main"

// ScheduleType identifies how a task's schedule value is interpreted.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode controls whether a scheduled run shares the group's
// conversation session or runs in a fresh isolated one.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// AdditionalMount maps a host path into a group's sandbox container.
type AdditionalMount struct {
	HostPath      string `json:"hostPath" yaml:"host_path"`
	ContainerPath string `json:"containerPath" yaml:"container_path"`
	ReadOnly      bool   `json:"readonly,omitempty" yaml:"readonly,omitempty"`
}

// ContainerConfig holds per-group sandbox overrides.
type ContainerConfig struct {
	// AdditionalMounts are extra host paths mounted into the container.
	AdditionalMounts []AdditionalMount `json:"additionalMounts,omitempty" yaml:"additional_mounts,omitempty"`

	// TimeoutSec overrides the global container timeout (0 = use global).
	TimeoutSec int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Env is extra environment passed to the container.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// RegisteredGroup binds a chat to its agent sandbox namespace. Groups are
// loaded at startup and immutable for the rest of the run.
type RegisteredGroup struct {
	// ChatID is the chat this group owns on the transport.
	ChatID int64 `json:"chatId"`

	// Name is the human-readable group name.
	Name string `json:"name"`

	// Folder is the namespace id: unique, used for the sandbox directory,
	// the IPC mailbox, and session keying.
	Folder string `json:"folder"`

	// IsMain marks the privileged group (Folder == "main").
	IsMain bool `json:"isMain,omitempty"`

	// Model overrides the default agent model for this group.
	Model string `json:"model,omitempty"`

	// ContainerConfig holds sandbox overrides for this group.
	ContainerConfig *ContainerConfig `json:"containerConfig,omitempty"`
}

// InboundMessage is one chat message as persisted in the store.
type InboundMessage struct {
	ID         int64  `json:"id"`
	ChatID     int64  `json:"chat_id"`
	Sender     int64  `json:"sender"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`

	// Timestamp is ISO-8601 (RFC3339 UTC).
	Timestamp string `json:"timestamp"`
}

// ScheduledTask is a time-triggered agent prompt. Owned by the store; the
// IPC task processor only validates and authorizes before persisting.
type ScheduledTask struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	ChatID        int64        `json:"chat_id"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`

	// NextRun is the next fire time (RFC3339), empty when none is pending.
	NextRun string `json:"next_run"`

	// LastRun and LastResult record the most recent firing.
	LastRun    string `json:"last_run,omitempty"`
	LastResult string `json:"last_result,omitempty"`

	Status    TaskStatus `json:"status"`
	CreatedAt string     `json:"created_at"`
}
