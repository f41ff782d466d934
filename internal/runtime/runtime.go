// Package runtime provisions isolated environments for background clones.
//
// A background indexing job never touches the caller's working tree: it
// clones into an ephemeral runtime (a Docker container, or a scratch
// directory when no container engine is available) that is owned by exactly
// one job and destroyed in its finally block. A keepalive timestamp protects
// busy runtimes from the idle reaper.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/shell"
)

// WorkspaceDir is where clones land inside a runtime.
const WorkspaceDir = "/workspace"

// Runtime is one isolated environment.
type Runtime interface {
	// Exec returns an executor bound to dir inside the runtime.
	Exec(dir string) shell.Exec
	// WorkspacePath resolves a workspace-relative path to the runtime's
	// filesystem layout.
	WorkspacePath(parts ...string) string
	// Touch marks the runtime as in use so the reaper skips it.
	Touch()
	// Destroy tears the runtime down.
	Destroy(ctx context.Context) error
}

// Provider provisions runtimes.
type Provider interface {
	Provision(ctx context.Context, label string) (Runtime, error)
}

// DockerProvider runs each job in a dedicated container.
type DockerProvider struct {
	Image     string
	host      *shell.Local
	logger    zerolog.Logger
	mu        sync.Mutex
	active    map[string]*dockerRuntime
	idleLimit time.Duration
}

// NewDockerProvider creates a provider using the local docker CLI. image
// must carry git and coreutils.
func NewDockerProvider(image string, idleLimit time.Duration, logger zerolog.Logger) *DockerProvider {
	if image == "" {
		image = "alpine/git:latest"
	}
	if idleLimit <= 0 {
		idleLimit = 30 * time.Minute
	}
	return &DockerProvider{
		Image:     image,
		host:      shell.NewLocal(""),
		logger:    logger.With().Str("component", "runtime").Logger(),
		active:    make(map[string]*dockerRuntime),
		idleLimit: idleLimit,
	}
}

// Provision starts a labelled container and registers it with the reaper.
func (p *DockerProvider) Provision(ctx context.Context, label string) (Runtime, error) {
	cmd := fmt.Sprintf("docker run -d --rm --label codeindex.job=%s --entrypoint sleep %s infinity",
		shell.Quote(label), shell.Quote(p.Image))
	res, err := p.host.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("runtime: start container: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("runtime: start container (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	id := strings.TrimSpace(res.Stdout)

	rt := &dockerRuntime{id: id, host: p.host, logger: p.logger, provider: p}
	rt.Touch()

	p.mu.Lock()
	p.active[id] = rt
	p.mu.Unlock()

	p.logger.Info().Str("container", shortID(id)).Str("label", label).Msg("Runtime provisioned")
	return rt, nil
}

// ReapIdle destroys runtimes that have not been touched within the idle
// limit. Run it periodically from the daemon.
func (p *DockerProvider) ReapIdle(ctx context.Context) {
	p.mu.Lock()
	var stale []*dockerRuntime
	for id, rt := range p.active {
		if time.Since(rt.lastUsed()) > p.idleLimit {
			stale = append(stale, rt)
			delete(p.active, id)
		}
	}
	p.mu.Unlock()

	for _, rt := range stale {
		p.logger.Warn().Str("container", shortID(rt.id)).Msg("Reaping idle runtime")
		if err := rt.Destroy(ctx); err != nil {
			p.logger.Warn().Err(err).Str("container", shortID(rt.id)).Msg("Failed to reap runtime")
		}
	}
}

func (p *DockerProvider) release(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

type dockerRuntime struct {
	id     string
	host   *shell.Local
	logger zerolog.Logger

	mu         sync.Mutex
	lastUsedAt time.Time
	provider   *DockerProvider
}

func (r *dockerRuntime) Exec(dir string) shell.Exec {
	return &dockerExec{runtime: r, dir: dir}
}

func (r *dockerRuntime) WorkspacePath(parts ...string) string {
	return filepath.Join(append([]string{WorkspaceDir}, parts...)...)
}

func (r *dockerRuntime) Touch() {
	r.mu.Lock()
	r.lastUsedAt = time.Now()
	r.mu.Unlock()
}

func (r *dockerRuntime) lastUsed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsedAt
}

func (r *dockerRuntime) Destroy(ctx context.Context) error {
	if r.provider != nil {
		r.provider.release(r.id)
	}
	res, err := r.host.Run(ctx, "docker rm -f "+shell.Quote(r.id))
	if err != nil {
		return fmt.Errorf("runtime: destroy container: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("runtime: destroy container (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

type dockerExec struct {
	runtime *dockerRuntime
	dir     string
}

func (e *dockerExec) Run(ctx context.Context, cmd string) (shell.Result, error) {
	e.runtime.Touch()
	wrapped := fmt.Sprintf("docker exec -w %s %s sh -c %s",
		shell.Quote(e.dir), shell.Quote(e.runtime.id), shell.Quote(cmd))
	return e.runtime.host.Run(ctx, wrapped)
}

// LocalProvider isolates jobs in scratch directories instead of containers.
type LocalProvider struct {
	BaseDir string
	logger  zerolog.Logger
}

// NewLocalProvider creates a provider rooted at baseDir (os.TempDir when
// empty).
func NewLocalProvider(baseDir string, logger zerolog.Logger) *LocalProvider {
	return &LocalProvider{BaseDir: baseDir, logger: logger.With().Str("component", "runtime").Logger()}
}

// Provision creates a scratch directory mimicking the container workspace
// layout.
func (p *LocalProvider) Provision(ctx context.Context, label string) (Runtime, error) {
	base := p.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	root, err := os.MkdirTemp(base, "codeindex-"+sanitizeLabel(label)+"-")
	if err != nil {
		return nil, fmt.Errorf("runtime: create scratch dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "workspace"), 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create workspace: %w", err)
	}
	p.logger.Info().Str("dir", root).Str("label", label).Msg("Local runtime provisioned")
	return &localRuntime{root: root}, nil
}

type localRuntime struct {
	root string
	mu   sync.Mutex
	used time.Time
}

func (r *localRuntime) Exec(dir string) shell.Exec {
	return shell.NewLocal(r.resolve(dir))
}

func (r *localRuntime) WorkspacePath(parts ...string) string {
	return filepath.Join(append([]string{WorkspaceDir}, parts...)...)
}

func (r *localRuntime) Touch() {
	r.mu.Lock()
	r.used = time.Now()
	r.mu.Unlock()
}

func (r *localRuntime) Destroy(ctx context.Context) error {
	return os.RemoveAll(r.root)
}

// resolve maps container-style /workspace paths onto the scratch dir.
func (r *localRuntime) resolve(dir string) string {
	if rel, ok := strings.CutPrefix(dir, WorkspaceDir); ok {
		return filepath.Join(r.root, "workspace", strings.TrimPrefix(rel, "/"))
	}
	return filepath.Join(r.root, dir)
}

func sanitizeLabel(label string) string {
	return strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' {
			return c
		}
		return '-'
	}, label)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
