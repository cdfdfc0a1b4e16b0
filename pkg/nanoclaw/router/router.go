// Package router implements the message intake and dispatch loop: it drains
// the transport into the store, polls for unprocessed messages, batches them
// per group, and runs agent turns through the invocation bridge.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/agent"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/channels"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/state"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/transcribe"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

// typingInterval is how often the typing indicator is refreshed while an
// agent turn is in flight.
const typingInterval = 5 * time.Second

// Transport is the slice of the chat channel the router consumes.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64)
	Receive() <-chan *channels.IncomingMessage
	DownloadVoice(ctx context.Context, fileID string) ([]byte, error)
}

// MessageStore is the persistence surface the router needs.
type MessageStore interface {
	StoreChatMetadata(chatID int64, name, timestamp string) error
	StoreMessage(m types.InboundMessage, isFromMe bool) error
	NewMessagesSince(chatIDs []int64, since string) ([]types.InboundMessage, error)
	MessagesSince(chatID int64, since string) ([]types.InboundMessage, error)
	AllTasks() ([]*types.ScheduledTask, error)
}

// Transcriber converts a voice clip to text, degrading instead of failing.
type Transcriber interface {
	Transcribe(ctx context.Context, oggData []byte) (string, bool)
}

// Snapshotter exposes the task list read-only to a sandbox before its turn.
type Snapshotter interface {
	WriteTasksSnapshot(folder string, isMain bool, tasks []*types.ScheduledTask) error
}

// Router runs the poll/dispatch loop.
type Router struct {
	transport   Transport
	store       MessageStore
	state       *state.State
	invoker     agent.Invoker
	transcriber Transcriber
	snapshotter Snapshotter
	logger      *slog.Logger

	assistantName string
	defaultModel  string
	pollInterval  time.Duration
}

// New creates a Router. transcriber and snapshotter may be nil.
func New(transport Transport, store MessageStore, st *state.State, invoker agent.Invoker,
	transcriber Transcriber, snapshotter Snapshotter,
	assistantName, defaultModel string, pollInterval time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		transport:     transport,
		store:         store,
		state:         st,
		invoker:       invoker,
		transcriber:   transcriber,
		snapshotter:   snapshotter,
		logger:        logger.With("component", "router"),
		assistantName: assistantName,
		defaultModel:  defaultModel,
		pollInterval:  pollInterval,
	}
}

// Run starts the intake goroutine and the poll loop, returning when ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	go r.intakeLoop(ctx)
	r.logger.Info("message polling loop started", "interval", r.pollInterval)

	for {
		if err := r.Cycle(ctx); err != nil {
			r.logger.Error("error in message loop", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("message polling loop stopped")
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// intakeLoop drains the transport into the store: chat metadata plus one
// message row per update, with voice clips transcribed first.
func (r *Router) intakeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.transport.Receive():
			if !ok {
				return
			}
			r.ingest(ctx, msg)
		}
	}
}

func (r *Router) ingest(ctx context.Context, msg *channels.IncomingMessage) {
	if _, ok := r.state.GroupByChatID(msg.ChatID); !ok {
		return
	}

	content := msg.Content
	if msg.VoiceFileID != "" {
		content = r.transcribeVoice(ctx, msg.VoiceFileID)
	}
	if content == "" {
		return
	}

	ts := msg.Timestamp.UTC().Format(time.RFC3339)
	title := msg.ChatTitle
	if title == "" {
		title = msg.FromName
	}
	if err := r.store.StoreChatMetadata(msg.ChatID, title, ts); err != nil {
		r.logger.Error("storing chat metadata failed", "chat_id", msg.ChatID, "error", err)
	}
	if err := r.store.StoreMessage(types.InboundMessage{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		Sender:     msg.From,
		SenderName: msg.FromName,
		Content:    content,
		Timestamp:  ts,
	}, msg.FromSelf); err != nil {
		r.logger.Error("storing message failed", "chat_id", msg.ChatID, "error", err)
	}
}

func (r *Router) transcribeVoice(ctx context.Context, fileID string) string {
	if r.transcriber == nil {
		return transcribe.Placeholder
	}
	data, err := r.transport.DownloadVoice(ctx, fileID)
	if err != nil {
		r.logger.Warn("voice download failed", "file_id", fileID, "error", err)
		return transcribe.Placeholder
	}
	text, ok := r.transcriber.Transcribe(ctx, data)
	if !ok {
		return transcribe.Placeholder
	}
	return "[voice message] " + text
}

// Cycle runs one poll: fetch everything past the global watermark and
// process in timestamp order. An error on one message aborts the rest of
// the cycle; those messages are retried next cycle because the watermark
// stops before them.
func (r *Router) Cycle(ctx context.Context) error {
	msgs, err := r.store.NewMessagesSince(r.state.ChatIDs(), r.state.LastTimestamp())
	if err != nil {
		return fmt.Errorf("fetching new messages: %w", err)
	}
	if len(msgs) > 0 {
		r.logger.Info("new messages", "count", len(msgs))
	}

	// Batches are bounded at this cycle's snapshot. A message the intake
	// goroutine stores mid-cycle waits for the next cycle, so the agent
	// watermark can never pass the global one.
	latest := make(map[int64]string, len(msgs))
	for _, m := range msgs {
		if m.Timestamp > latest[m.ChatID] {
			latest[m.ChatID] = m.Timestamp
		}
	}

	for _, msg := range msgs {
		if err := r.processMessage(ctx, msg, latest[msg.ChatID]); err != nil {
			return fmt.Errorf("processing message %d: %w", msg.ID, err)
		}
		if err := r.state.AdvanceLastTimestamp(msg.Timestamp); err != nil {
			return fmt.Errorf("persisting watermark: %w", err)
		}
	}
	return nil
}

// ProcessMessage runs the full dispatch pipeline for one message: group
// resolution, catch-up batching, one agent turn, and the chunked reply.
func (r *Router) ProcessMessage(ctx context.Context, msg types.InboundMessage) error {
	return r.processMessage(ctx, msg, msg.Timestamp)
}

func (r *Router) processMessage(ctx context.Context, msg types.InboundMessage, upTo string) error {
	group, ok := r.state.GroupByChatID(msg.ChatID)
	if !ok {
		return nil
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	// Catch-up: everything for this chat since the group's last agent turn
	// gets folded into a single prompt, capped at upTo so messages stored
	// after the poll snapshot are left for the next cycle.
	batch, err := r.store.MessagesSince(msg.ChatID, r.state.LastAgentTimestamp(group.Folder))
	if err != nil {
		return fmt.Errorf("gathering batch: %w", err)
	}
	for len(batch) > 0 && batch[len(batch)-1].Timestamp > upTo {
		batch = batch[:len(batch)-1]
	}
	if len(batch) == 0 {
		return nil
	}
	prompt := RenderPrompt(batch)

	r.logger.Info("processing message", "group", group.Name, "message_count", len(batch))

	stopTyping := r.startTyping(ctx, msg.ChatID)
	defer stopTyping()

	response, err := r.runAgent(ctx, group, prompt, msg.ChatID)
	if err != nil {
		return err
	}
	stopTyping()

	if response == "" {
		// Failed or empty turn: no reply, and the agent watermark stays put
		// so the same backlog is folded into the next turn.
		return nil
	}

	// Advance to the end of the batch, not the triggering message: the
	// later messages were already folded into this prompt, so they must not
	// trigger turns of their own.
	if err := r.state.SetLastAgentTimestamp(group.Folder, batch[len(batch)-1].Timestamp); err != nil {
		return fmt.Errorf("persisting agent watermark: %w", err)
	}
	if err := r.transport.Send(ctx, msg.ChatID, r.assistantName+": "+response); err != nil {
		return fmt.Errorf("sending response: %w", err)
	}
	return nil
}

// runAgent executes one turn under the group's namespace lock. Returns the
// response text, "" when the turn failed, or an error for transport-level
// failures that should abort the poll cycle.
func (r *Router) runAgent(ctx context.Context, group *types.RegisteredGroup, prompt string, chatID int64) (string, error) {
	unlock := r.state.LockFolder(group.Folder)
	defer unlock()

	model := group.Model
	if model == "" {
		model = r.defaultModel
	}
	sessionID, _ := r.state.Session(group.Folder)

	if r.snapshotter != nil {
		if tasks, err := r.store.AllTasks(); err == nil {
			if err := r.snapshotter.WriteTasksSnapshot(group.Folder, group.IsMain, tasks); err != nil {
				r.logger.Warn("writing tasks snapshot failed", "group", group.Folder, "error", err)
			}
		}
	}

	out, err := r.invoker.Invoke(ctx, group, agent.Input{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: group.Folder,
		ChatID:      chatID,
		IsMain:      group.IsMain,
		Model:       model,
	})
	if err != nil {
		return "", fmt.Errorf("agent invocation: %w", err)
	}

	// The session handle is persisted before the status check: a failed
	// turn that still returned a new session updates the map. Kept from
	// the original host behavior; tests pin it down.
	if out.NewSessionID != "" {
		if err := r.state.SetSession(group.Folder, out.NewSessionID); err != nil {
			r.logger.Error("persisting session failed", "group", group.Folder, "error", err)
		}
	}

	if out.Status == "error" {
		r.logger.Error("agent turn failed", "group", group.Name, "agent_error", out.Error)
		return "", nil
	}
	return out.Result, nil
}

// startTyping signals the typing indicator immediately and refreshes it on
// a fixed interval until the returned stop func runs. Stopping twice is
// safe, so callers can defer it and also stop eagerly before replying.
func (r *Router) startTyping(ctx context.Context, chatID int64) func() {
	tctx, cancel := context.WithCancel(ctx)
	r.transport.SendTyping(tctx, chatID)

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				r.transport.SendTyping(tctx, chatID)
			}
		}
	}()
	return cancel
}

// xmlEscaper covers the characters that would break attribute or element
// embedding in the rendered prompt.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// RenderPrompt renders a catch-up batch as an ordered list of
// sender/time/content tuples safe to embed in structured text.
func RenderPrompt(batch []types.InboundMessage) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range batch {
		fmt.Fprintf(&b, `<message sender="%s" time="%s">%s</message>`+"\n",
			xmlEscaper.Replace(m.SenderName), m.Timestamp, xmlEscaper.Replace(m.Content))
	}
	b.WriteString("</messages>")
	return b.String()
}
