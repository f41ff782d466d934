// Package gitcli wraps the git commands the indexer depends on.
//
// All commands run through a shell.Exec so the same wrappers work against a
// local checkout and a clone inside an isolated runtime. Arguments are always
// shell-quoted.
package gitcli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/First008/codeindex/internal/shell"
)

// ErrGit reports a required git command exiting non-zero.
var ErrGit = errors.New("git command failed")

// sizeBatch bounds how many paths a single ls-tree lookup carries.
const sizeBatch = 200

// Git runs git commands inside a repository working tree.
type Git struct {
	exec shell.Exec
}

// New creates a Git bound to exec's working directory.
func New(exec shell.Exec) *Git {
	return &Git{exec: exec}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := "git " + shell.QuoteAll(args...)
	res, err := g.exec.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("run git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: git %s (exit %d): %s",
			ErrGit, args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Head returns the commit SHA of HEAD.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(out)
	if commit == "" {
		return "", fmt.Errorf("%w: rev-parse HEAD returned empty output", ErrGit)
	}
	return commit, nil
}

// CurrentBranch resolves the checked-out branch name, falling back through
// symbolic-ref for detached HEADs and bare remote clones.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		branch := strings.TrimSpace(out)
		if branch != "" && branch != "HEAD" {
			return branch, nil
		}
	}

	out, err = g.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err == nil {
		if branch := strings.TrimSpace(out); branch != "" {
			return branch, nil
		}
	}

	out, err = g.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(out)
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if ref == "" {
		return "", fmt.Errorf("%w: could not resolve current branch", ErrGit)
	}
	return ref, nil
}

// LsFiles lists all tracked paths.
func (g *Git) LsFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// DiffNameOnly lists paths changed between two commits.
func (g *Git) DiffNameOnly(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", from+".."+to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StatusPorcelain lists paths with uncommitted working-tree changes. Renames
// contribute both the old and the new path.
func (g *Git) StatusPorcelain(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		entry := strings.TrimSpace(line[3:])
		if old, renamed, ok := strings.Cut(entry, " -> "); ok {
			paths = append(paths, unquotePath(old), unquotePath(renamed))
			continue
		}
		paths = append(paths, unquotePath(entry))
	}
	return paths, nil
}

// TotalBlobSize sums the blob sizes of every tracked file at HEAD.
func (g *Git) TotalBlobSize(ctx context.Context) (int64, error) {
	out, err := g.run(ctx, "ls-tree", "-r", "--long", "HEAD")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, line := range splitLines(out) {
		if size, ok := parseLsTreeSize(line); ok {
			total += size
		}
	}
	return total, nil
}

// BlobSizes looks up blob sizes at HEAD for the given paths, batching the
// lookups. Paths absent at HEAD (new or deleted files) are simply missing
// from the result.
func (g *Git) BlobSizes(ctx context.Context, paths []string) (map[string]int64, error) {
	sizes := make(map[string]int64, len(paths))
	for start := 0; start < len(paths); start += sizeBatch {
		end := start + sizeBatch
		if end > len(paths) {
			end = len(paths)
		}
		args := append([]string{"ls-tree", "-l", "HEAD", "--"}, paths[start:end]...)
		out, err := g.run(ctx, args...)
		if err != nil {
			return nil, err
		}
		for _, line := range splitLines(out) {
			size, ok := parseLsTreeSize(line)
			if !ok {
				continue
			}
			if _, path, found := strings.Cut(line, "\t"); found {
				sizes[unquotePath(path)] = size
			}
		}
	}
	return sizes, nil
}

// Clone clones url into dir with a bounded history depth. An empty branch
// clones the remote default branch.
func (g *Git) Clone(ctx context.Context, url, branch, dir string, depth int) error {
	args := []string{"clone", "--depth", strconv.Itoa(depth)}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)
	_, err := g.run(ctx, args...)
	return err
}

// parseLsTreeSize extracts the size column from an ls-tree --long line:
// "<mode> <type> <object> <size>\t<path>". Returns false for submodules
// and trees, whose size column is "-".
func parseLsTreeSize(line string) (int64, bool) {
	meta, _, ok := strings.Cut(line, "\t")
	if !ok {
		return 0, false
	}
	fields := strings.Fields(meta)
	if len(fields) < 4 {
		return 0, false
	}
	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

func splitLines(out string) []string {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// unquotePath strips the C-style quoting git applies to paths with special
// characters.
func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if unquoted, err := strconv.Unquote(p); err == nil {
			return unquoted
		}
	}
	return p
}
