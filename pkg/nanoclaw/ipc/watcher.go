package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

// quarantineDir is the reserved subdirectory under the IPC root holding
// files that failed processing, kept for manual inspection.
const quarantineDir = "errors"

// Sender relays text into a chat on the transport.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Watcher polls the per-namespace mailboxes, authorizes each request, and
// either relays it (messages) or hands it to the task processor. Each cycle
// re-arms only after the previous one fully completes, so cycles never
// overlap.
type Watcher struct {
	root          string
	assistantName string
	interval      time.Duration

	sender    Sender
	groups    GroupRegistry
	processor *Processor
	logger    *slog.Logger
}

// NewWatcher creates the IPC control plane poller rooted at ipcDir.
func NewWatcher(ipcDir, assistantName string, interval time.Duration, sender Sender, groups GroupRegistry, processor *Processor, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:          ipcDir,
		assistantName: assistantName,
		interval:      interval,
		sender:        sender,
		groups:        groups,
		processor:     processor,
		logger:        logger.With("component", "ipc"),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		w.logger.Error("creating IPC root failed", "dir", w.root, "error", err)
		return
	}
	w.logger.Info("IPC watcher started", "dir", w.root, "interval", w.interval)

	for {
		w.Cycle(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("IPC watcher stopped")
			return
		case <-time.After(w.interval):
		}
	}
}

// Cycle runs one full mailbox sweep across all namespaces.
func (w *Watcher) Cycle(ctx context.Context) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Error("reading IPC root failed", "error", err)
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == quarantineDir {
			continue
		}
		sourceGroup := e.Name()
		isMain := sourceGroup == types.MainGroupFolder

		w.processMailbox(ctx, sourceGroup, isMain, "messages", w.handleMessageFile)
		w.processMailbox(ctx, sourceGroup, isMain, "tasks", w.handleTaskFile)
	}
}

// handler processes one parsed envelope; a returned error quarantines the
// originating file.
type handler func(ctx context.Context, env *Envelope, sourceGroup string, isMain bool) error

// processMailbox consumes every pending .json file in one sub-mailbox.
// Files are deleted after processing regardless of authorization outcome;
// only a parse or processing error moves them to quarantine instead.
func (w *Watcher) processMailbox(ctx context.Context, sourceGroup string, isMain bool, sub string, h handler) {
	dir := filepath.Join(w.root, sourceGroup, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("reading mailbox failed", "dir", dir, "error", err)
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := w.consumeFile(ctx, path, sourceGroup, isMain, h); err != nil {
			w.logger.Error("error processing IPC file",
				"file", name, "source", sourceGroup, "error", err)
			w.quarantine(path, sourceGroup, name)
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Error("removing consumed IPC file failed", "file", path, "error", err)
		}
	}
}

func (w *Watcher) consumeFile(ctx context.Context, path, sourceGroup string, isMain bool, h handler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		return err
	}
	if env.Kind == "" {
		// Unrecognized or incomplete envelope: the one silent no-op path.
		return nil
	}
	return h(ctx, env, sourceGroup, isMain)
}

// handleMessageFile relays an authorized message envelope into its chat.
// A sandbox may only speak into its own chat; main may speak into any.
func (w *Watcher) handleMessageFile(ctx context.Context, env *Envelope, sourceGroup string, isMain bool) error {
	if env.Kind != KindMessage {
		// A task command dropped into messages/ is ignored, not executed.
		return nil
	}
	msg := env.Message

	authorized := isMain
	if !authorized {
		if target, ok := w.groups.GroupByChatID(msg.ChatID); ok {
			authorized = target.Folder == sourceGroup
		}
	}
	if !authorized {
		w.logger.Warn("unauthorized IPC message attempt blocked",
			"chat_id", msg.ChatID, "source", sourceGroup)
		return nil
	}

	if err := w.sender.Send(ctx, msg.ChatID, w.assistantName+": "+msg.Text); err != nil {
		return err
	}
	w.logger.Info("IPC message sent", "chat_id", msg.ChatID, "source", sourceGroup)
	return nil
}

// handleTaskFile hands a task command to the processor. Authorization and
// validation failures are not errors: the file is consumed as if the
// request succeeded.
func (w *Watcher) handleTaskFile(_ context.Context, env *Envelope, sourceGroup string, isMain bool) error {
	if env.Task == nil {
		return nil
	}
	return w.processor.Process(env.Task, sourceGroup, isMain)
}

// quarantine moves a failed file into the errors directory, prefixing the
// source namespace so filenames cannot collide across namespaces.
func (w *Watcher) quarantine(path, sourceGroup, name string) {
	dir := filepath.Join(w.root, quarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Error("creating quarantine dir failed", "error", err)
		return
	}
	dest := filepath.Join(dir, sourceGroup+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("quarantining IPC file failed", "file", path, "error", err)
	}
}
