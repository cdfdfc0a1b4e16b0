package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// recordingSender captures relayed messages.
type recordingSender struct {
	sent []sentMessage
	err  error
}

type sentMessage struct {
	chatID int64
	text   string
}

func (r *recordingSender) Send(_ context.Context, chatID int64, text string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMessage{chatID, text})
	return nil
}

func newTestWatcher(t *testing.T) (*Watcher, *recordingSender, *fakeTaskStore, string) {
	t.Helper()
	root := t.TempDir()
	sender := &recordingSender{}
	store := newFakeTaskStore()
	reg := newFakeRegistry()
	proc := NewProcessor(store, reg, time.UTC, nil)
	proc.now = func() time.Time { return testNow }
	w := NewWatcher(root, "Andy", time.Second, sender, reg, proc, nil)
	return w, sender, store, root
}

func dropFile(t *testing.T, root, group, sub, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, group, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWatcherRelaysAuthorizedMessage(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	path := dropFile(t, root, "family", "messages", "m1.json",
		`{"type":"message","chatId":2,"text":"dinner at 7"}`)

	w.Cycle(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if got := sender.sent[0]; got.chatID != 2 || got.text != "Andy: dinner at 7" {
		t.Errorf("sent (%d, %q), want (2, %q)", got.chatID, got.text, "Andy: dinner at 7")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("consumed file was not removed")
	}
}

func TestWatcherBlocksCrossNamespaceMessage(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	// family's sandbox tries to speak into work's chat (chatId 3).
	path := dropFile(t, root, "family", "messages", "m1.json",
		`{"type":"message","chatId":3,"text":"sneaky"}`)

	w.Cycle(context.Background())

	if len(sender.sent) != 0 {
		t.Errorf("unauthorized message was relayed: %v", sender.sent)
	}
	// The file is consumed either way.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("blocked file was not removed")
	}
}

func TestWatcherMainMaySpeakAnywhere(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	dropFile(t, root, "main", "messages", "m1.json",
		`{"type":"message","chatId":3,"text":"from main"}`)

	w.Cycle(context.Background())

	if len(sender.sent) != 1 || sender.sent[0].chatID != 3 {
		t.Fatalf("main's message not relayed: %v", sender.sent)
	}
}

func TestWatcherQuarantinesMalformedJSON(t *testing.T) {
	t.Parallel()

	w, _, _, root := newTestWatcher(t)
	path := dropFile(t, root, "family", "messages", "bad.json", `{not json`)

	w.Cycle(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("malformed file left in mailbox")
	}
	quarantined := filepath.Join(root, "errors", "family-bad.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Errorf("expected quarantined file at %s: %v", quarantined, err)
	}
}

func TestWatcherQuarantinesOnSendFailure(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	sender.err = os.ErrDeadlineExceeded
	dropFile(t, root, "family", "messages", "m1.json",
		`{"type":"message","chatId":2,"text":"hi"}`)

	w.Cycle(context.Background())

	if _, err := os.Stat(filepath.Join(root, "errors", "family-m1.json")); err != nil {
		t.Errorf("send failure did not quarantine the file: %v", err)
	}
}

func TestWatcherConsumesUnknownEnvelopeSilently(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	path := dropFile(t, root, "family", "messages", "m1.json",
		`{"type":"telepathy","chatId":2}`)

	w.Cycle(context.Background())

	if len(sender.sent) != 0 {
		t.Error("unknown envelope produced a send")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("unknown envelope file not removed")
	}
	if _, err := os.Stat(filepath.Join(root, "errors")); !os.IsNotExist(err) {
		t.Error("unknown envelope was quarantined, want silent consume")
	}
}

func TestWatcherProcessesTaskFiles(t *testing.T) {
	t.Parallel()

	w, _, store, root := newTestWatcher(t)
	dropFile(t, root, "family", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"water the plants","schedule_type":"interval","schedule_value":"60000","groupFolder":"family"}`)

	w.Cycle(context.Background())

	if len(store.tasks) != 1 {
		t.Fatalf("store holds %d tasks, want 1", len(store.tasks))
	}
}

func TestWatcherIgnoresTaskCommandInMessagesMailbox(t *testing.T) {
	t.Parallel()

	w, _, store, root := newTestWatcher(t)
	path := dropFile(t, root, "family", "messages", "t1.json",
		`{"type":"schedule_task","prompt":"p","schedule_type":"interval","schedule_value":"60000","groupFolder":"family"}`)

	w.Cycle(context.Background())

	if len(store.tasks) != 0 {
		t.Error("task command in messages/ was executed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file not removed")
	}
}

func TestWatcherSkipsNonJSONAndErrorsDir(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	keep := dropFile(t, root, "family", "messages", "note.txt",
		`{"type":"message","chatId":2,"text":"hi"}`)
	// Files already quarantined are never re-read.
	dropFile(t, root, "errors", "messages", "old.json",
		`{"type":"message","chatId":2,"text":"hi"}`)

	w.Cycle(context.Background())

	if len(sender.sent) != 0 {
		t.Errorf("non-mailbox files were processed: %v", sender.sent)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-json file was removed")
	}
}

func TestWatcherProcessesFilesInNameOrder(t *testing.T) {
	t.Parallel()

	w, sender, _, root := newTestWatcher(t)
	dropFile(t, root, "family", "messages", "2.json", `{"type":"message","chatId":2,"text":"second"}`)
	dropFile(t, root, "family", "messages", "1.json", `{"type":"message","chatId":2,"text":"first"}`)

	w.Cycle(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d, want 2", len(sender.sent))
	}
	if sender.sent[0].text != "Andy: first" || sender.sent[1].text != "Andy: second" {
		t.Errorf("out of order: %v", sender.sent)
	}
}
