// Package ipc implements the file-based control plane between the agent
// sandboxes and the host. Each namespace owns a mailbox directory pair
// (messages/, tasks/) under <dataDir>/ipc/<folder>/; files are one JSON
// object each, consumed at most once, then deleted or quarantined.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Envelope kinds a sandbox may drop into its mailbox.
const (
	KindMessage      = "message"
	KindScheduleTask = "schedule_task"
	KindPauseTask    = "pause_task"
	KindResumeTask   = "resume_task"
	KindCancelTask   = "cancel_task"
)

// Envelope is the decoded, boundary-validated form of a mailbox file.
// Exactly one of Message/Task is set, matching Kind; KindInvalid envelopes
// carry neither and are the only silently dropped variant.
type Envelope struct {
	Kind    string
	Message *MessageEnvelope
	Task    *TaskEnvelope
}

// MessageEnvelope asks the host to relay text into a chat.
type MessageEnvelope struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
}

// TaskEnvelope carries one task command. Field names are snake_case on the
// wire; the layout is part of the sandbox/host contract.
type TaskEnvelope struct {
	Type          string `json:"type"`
	TaskID        string `json:"taskId,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`
}

// rawEnvelope is the superset shape read from untrusted JSON before the
// tagged union is built.
type rawEnvelope struct {
	Type          string `json:"type"`
	ChatID        int64  `json:"chatId"`
	Text          string `json:"text"`
	TaskID        string `json:"taskId"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	GroupFolder   string `json:"groupFolder"`
}

// ParseEnvelope decodes one mailbox file. Malformed JSON is an error (the
// caller quarantines); well-formed JSON with an unknown or incomplete type
// yields Kind == "" and is silently consumed.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	switch raw.Type {
	case KindMessage:
		if raw.ChatID == 0 || raw.Text == "" {
			return &Envelope{}, nil
		}
		return &Envelope{
			Kind:    KindMessage,
			Message: &MessageEnvelope{ChatID: raw.ChatID, Text: raw.Text},
		}, nil

	case KindScheduleTask, KindPauseTask, KindResumeTask, KindCancelTask:
		return &Envelope{
			Kind: raw.Type,
			Task: &TaskEnvelope{
				Type:          raw.Type,
				TaskID:        raw.TaskID,
				Prompt:        raw.Prompt,
				ScheduleType:  raw.ScheduleType,
				ScheduleValue: raw.ScheduleValue,
				ContextMode:   raw.ContextMode,
				GroupFolder:   raw.GroupFolder,
			},
		}, nil

	default:
		return &Envelope{}, nil
	}
}
