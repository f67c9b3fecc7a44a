package refinery

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// MergeResult reports the outcome of one merge attempt. Err is reserved for
// infrastructure failures (repo missing, git unavailable, timeout); a content
// conflict is not an error, it sets Merged=false with a ConflictDetail.
type MergeResult struct {
	Merged         bool
	ConflictDetail string
	Err            error
}

// Merger integrates a source ref into a target ref. Implementations must be
// safe for concurrent calls with distinct targets; the refinery guarantees
// calls for one target never overlap.
type Merger interface {
	Merge(ctx context.Context, sourceRef, targetRef string) MergeResult
}

// GitMerger lands branches with the git CLI inside a dedicated integration
// checkout. It checks out the target, merges the source with a merge commit,
// and aborts on conflict so the worktree stays clean for the next attempt.
type GitMerger struct {
	RepoDir string
}

func (g *GitMerger) Merge(ctx context.Context, sourceRef, targetRef string) MergeResult {
	if _, err := g.git(ctx, "checkout", targetRef); err != nil {
		return MergeResult{Err: fmt.Errorf("checkout %s: %w", targetRef, err)}
	}

	out, err := g.git(ctx, "merge", "--no-ff", "--no-edit", sourceRef)
	if err == nil {
		return MergeResult{Merged: true}
	}
	if ctx.Err() != nil {
		g.git(context.Background(), "merge", "--abort")
		return MergeResult{Err: fmt.Errorf("merge timed out: %w", ctx.Err())}
	}

	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		// Leave the worktree usable for the next entry.
		if _, abortErr := g.git(ctx, "merge", "--abort"); abortErr != nil {
			return MergeResult{Err: fmt.Errorf("abort conflicted merge: %w", abortErr)}
		}
		return MergeResult{ConflictDetail: conflictSummary(out)}
	}
	return MergeResult{Err: fmt.Errorf("merge %s: %w: %s", sourceRef, err, out)}
}

func (g *GitMerger) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.RepoDir}, args...)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// conflictSummary extracts the CONFLICT lines from git merge output.
func conflictSummary(out string) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "CONFLICT") {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) == 0 {
		return "merge conflict"
	}
	return strings.Join(lines, "; ")
}
