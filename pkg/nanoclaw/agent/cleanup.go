// Container lifecycle guard: startup-only hygiene for sandbox containers
// left behind by an unclean prior shutdown.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// EnsureDocker confirms the container runtime is reachable. A failure here
// is fatal to startup: the host cannot run any agent turn without it.
func EnsureDocker(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(cctx, "docker", "info").Run(); err != nil {
		return fmt.Errorf("docker is not available, ensure the daemon is running: %w", err)
	}
	return nil
}

// CleanupStaleContainers force-removes nanoclaw containers from a previous
// run, skipping the process's own container when the host itself runs in
// one. Advisory hygiene: every failure is logged and swallowed.
func CleanupStaleContainers(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	out, err := runDocker(ctx, "ps", "-a", "--filter", "name="+ContainerPrefix, "--format", "{{.Names}}")
	if err != nil {
		logger.Warn("stale container listing failed", "error", err)
		return
	}

	own := ownContainerName(ctx)

	var stale []string
	for _, name := range strings.Split(out, "\n") {
		name = strings.TrimSpace(name)
		if name == "" || !strings.HasPrefix(name, ContainerPrefix) || name == own {
			continue
		}
		stale = append(stale, name)
	}
	if len(stale) == 0 {
		return
	}

	args := append([]string{"rm", "-f"}, stale...)
	if _, err := runDocker(ctx, args...); err != nil {
		logger.Warn("stale container removal failed", "error", err)
		return
	}
	logger.Info("cleaned up stale containers", "count", len(stale))
}

// ownContainerName resolves the current process's container name via its
// hostname, when the host itself is containerized. Best-effort.
func ownContainerName(ctx context.Context) string {
	hostname := strings.TrimSpace(os.Getenv("HOSTNAME"))
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}
	if hostname == "" {
		return ""
	}

	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := runDocker(cctx, "inspect", hostname, "--format", "{{.Name}}")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.TrimSpace(out), "/")
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(out))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("docker %s: %s", args[0], firstLine(result))
		}
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	return result, nil
}
