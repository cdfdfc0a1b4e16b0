// Package agent implements the invocation bridge between the NanoClaw host
// and the per-group sandbox containers, plus the startup container hygiene.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/config"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

// ContainerPrefix names every sandbox container this host starts. The
// lifecycle guard uses it to find leftovers from an unclean shutdown.
const ContainerPrefix = "nanoclaw-"

// outputMarker separates agent log noise from the JSON result on stdout.
// The sandbox entrypoint prints it on its own line before the result.
const outputMarker = "---NANOCLAW_OUTPUT---"

// Input is one agent turn request.
type Input struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId,omitempty"`
	GroupFolder string `json:"groupFolder"`
	ChatID      int64  `json:"chatId"`
	IsMain      bool   `json:"isMain"`
	Model       string `json:"model"`
}

// Output is one agent turn result.
type Output struct {
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Status       string `json:"status"` // "ok" or "error"
	Error        string `json:"error,omitempty"`
}

// Invoker executes one agent turn in an isolated environment.
type Invoker interface {
	Invoke(ctx context.Context, group *types.RegisteredGroup, in Input) (*Output, error)
}

// ContainerRunner implements Invoker by running the sandbox image under
// Docker, one ephemeral container per turn.
type ContainerRunner struct {
	cfg       *config.Config
	logger    *slog.Logger
	ipcDir    string
	groupsDir string
}

// NewContainerRunner creates a runner using the host config.
func NewContainerRunner(cfg *config.Config, logger *slog.Logger) *ContainerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerRunner{
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
		ipcDir:    cfg.IPCDir(),
		groupsDir: cfg.GroupsDir,
	}
}

// Invoke runs one agent turn. The container gets the turn input as JSON on
// stdin and must print the marker line followed by the Output JSON.
func (r *ContainerRunner) Invoke(ctx context.Context, group *types.RegisteredGroup, in Input) (*Output, error) {
	timeout := r.cfg.Container.Timeout
	if group.ContainerConfig != nil && group.ContainerConfig.TimeoutSec > 0 {
		timeout = time.Duration(group.ContainerConfig.TimeoutSec) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := fmt.Sprintf("%s%s-%d", ContainerPrefix, group.Folder, time.Now().UnixMilli())
	args, err := r.buildArgs(name, group)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal agent input: %w", err)
	}

	r.logger.Info("invoking agent",
		"group", group.Name,
		"folder", group.Folder,
		"container", name,
		"model", in.Model,
	)

	cmd := exec.CommandContext(cctx, "docker", args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = newCappedWriter(&stdout, r.cfg.Container.MaxOutputBytes)
	cmd.Stderr = newCappedWriter(&stderr, r.cfg.Container.MaxOutputBytes)

	runErr := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("agent container %q timed out after %s", name, timeout)
	}

	out, parseErr := parseOutput(stdout.String())
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("agent container %q failed: %w (%s)", name, runErr, firstLine(stderr.String()))
		}
		return nil, fmt.Errorf("agent container %q: %w", name, parseErr)
	}
	return out, nil
}

// buildArgs assembles the docker run invocation for one turn.
func (r *ContainerRunner) buildArgs(name string, group *types.RegisteredGroup) ([]string, error) {
	groupDir := filepath.Join(r.groupsDir, group.Folder)
	ipcDir := filepath.Join(r.ipcDir, group.Folder)
	for _, dir := range []string{groupDir, filepath.Join(ipcDir, "messages"), filepath.Join(ipcDir, "tasks")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox dir %q: %w", dir, err)
		}
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"-v", groupDir + ":/workspace/group",
		"-v", ipcDir + ":/workspace/ipc",
	}

	if group.ContainerConfig != nil {
		for _, m := range group.ContainerConfig.AdditionalMounts {
			spec := m.HostPath + ":" + m.ContainerPath
			if m.ReadOnly {
				spec += ":ro"
			}
			args = append(args, "-v", spec)
		}
		for k, v := range group.ContainerConfig.Env {
			args = append(args, "-e", k+"="+v)
		}
	}

	args = append(args, r.cfg.Container.Image)
	return args, nil
}

// parseOutput extracts the Output JSON after the last marker line.
func parseOutput(stdout string) (*Output, error) {
	idx := strings.LastIndex(stdout, outputMarker)
	if idx < 0 {
		return nil, fmt.Errorf("no output marker in agent stdout")
	}
	payload := strings.TrimSpace(stdout[idx+len(outputMarker):])

	var out Output
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("parsing agent output: %w", err)
	}
	if out.Status == "" {
		out.Status = "ok"
	}
	return &out, nil
}

// WriteTasksSnapshot exposes the current task list read-only to a sandbox
// before its turn. Main sees every task; other namespaces see their own.
func (r *ContainerRunner) WriteTasksSnapshot(folder string, isMain bool, tasks []*types.ScheduledTask) error {
	visible := tasks
	if !isMain {
		visible = visible[:0:0]
		for _, t := range tasks {
			if t.GroupFolder == folder {
				visible = append(visible, t)
			}
		}
	}

	data, err := json.MarshalIndent(visible, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks snapshot: %w", err)
	}

	dir := filepath.Join(r.ipcDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "tasks_snapshot.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tasks snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// cappedWriter stops accepting bytes past a limit so a runaway container
// cannot exhaust host memory.
type cappedWriter struct {
	buf *bytes.Buffer
	max int64
}

func newCappedWriter(buf *bytes.Buffer, max int64) *cappedWriter {
	if max <= 0 {
		max = 10 << 20
	}
	return &cappedWriter{buf: buf, max: max}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.max - int64(w.buf.Len())
	if remaining <= 0 {
		return len(p), nil // discard, but report success to keep the pipe open
	}
	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
