package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

const (
	sparseCloneTimeout = 60 * time.Second
	fullCloneTimeout   = 120 * time.Second
	repoFetchCeiling   = 180 * time.Second

	// maxRepoFileBytes skips large files; anything above this is almost
	// never prose or readable source.
	maxRepoFileBytes = 1 << 20
)

// sparseDirs are the directories checked out in the sparse pass; they
// hold the documentation and source most worth indexing.
var sparseDirs = []string{
	"docs", "doc", "documentation", "src", "lib",
	"examples", "samples", "scripts", "bin", "notebooks", "tests",
}

// textExtensions whitelists file types worth indexing. Files with other
// extensions are still accepted if they sniff as text and sit in a
// sparse dir, but these skip the sniff.
var textExtensions = map[string]bool{
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".rb": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".rs": true,
	".sh": true, ".yaml": true, ".yml": true, ".toml": true, ".json": true,
	".sql": true, ".proto": true, ".ipynb": true,
}

// RepoFetcher clones repositories with a git subprocess and concatenates
// their text files into one document.
type RepoFetcher struct {
	workspaceRoot string
	log           *slog.Logger
}

var _ Fetcher = (*RepoFetcher)(nil)

// NewRepoFetcher creates a repo fetcher; clones live under workspaceRoot
// and are always removed afterwards.
func NewRepoFetcher(workspaceRoot string) *RepoFetcher {
	return &RepoFetcher{
		workspaceRoot: workspaceRoot,
		log:           slog.Default().With("component", "fetch.repo"),
	}
}

// Fetch clones the repository (sparse shallow first, full shallow as
// fallback, 180s total ceiling) and returns its text content with
// `### path` file headers.
func (f *RepoFetcher) Fetch(ctx context.Context, repoURL string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, repoFetchCeiling)
	defer cancel()

	dir, err := os.MkdirTemp(f.workspaceRoot, "clone-*")
	if err != nil {
		return nil, fmt.Errorf("creating clone workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			f.log.Warn("failed to remove clone workspace", "dir", dir, "error", rmErr)
		}
	}()

	sparse := true
	if err := f.sparseClone(ctx, repoURL, dir); err != nil {
		f.log.Debug("sparse clone failed, falling back to full shallow clone",
			"url", repoURL, "error", err)
		// Reset the workspace for the fallback clone.
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("resetting clone workspace: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("resetting clone workspace: %w", err)
		}
		sparse = false
		if err := f.fullClone(ctx, repoURL, dir); err != nil {
			return nil, err
		}
	}

	commit, err := f.headCommit(ctx, dir)
	if err != nil {
		return nil, err
	}

	text, fileCount, err := concatTextFiles(dir, sparse)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, qerrors.New(qerrors.ErrCodeContentRejected,
			fmt.Sprintf("no indexable text files in %s", repoURL), nil)
	}

	return &Document{
		SourceURL: repoURL,
		Kind:      "repo",
		Title:     repoTitle(repoURL),
		Text:      text,
		CommitID:  commit,
		FileCount: fileCount,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (f *RepoFetcher) sparseClone(ctx context.Context, repoURL, dir string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, sparseCloneTimeout)
	defer cancel()

	if err := runGit(cloneCtx, "", "clone", "--depth", "1", "--filter=blob:none",
		"--sparse", repoURL, dir); err != nil {
		return err
	}
	// Root files (README and friends) come with --sparse; add the
	// content directories on top.
	args := append([]string{"sparse-checkout", "set", "--no-cone"}, sparsePatterns()...)
	return runGit(cloneCtx, dir, args...)
}

func sparsePatterns() []string {
	patterns := []string{"/*"} // keep root-level files
	for _, d := range sparseDirs {
		patterns = append(patterns, "/"+d+"/")
	}
	return patterns
}

func (f *RepoFetcher) fullClone(ctx context.Context, repoURL, dir string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, fullCloneTimeout)
	defer cancel()
	return runGit(cloneCtx, "", "clone", "--depth", "1", repoURL, dir)
}

func (f *RepoFetcher) headCommit(ctx context.Context, dir string) (string, error) {
	out, err := gitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteTip resolves the remote HEAD commit without cloning, for cheap
// refresh checks.
func (f *RepoFetcher) RemoteTip(ctx context.Context, repoURL string) (string, error) {
	out, err := gitOutput(ctx, "", "ls-remote", repoURL, "HEAD")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty ls-remote output for %s", repoURL)
	}
	return fields[0], nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := gitOutput(ctx, dir, args...)
	return err
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", qerrors.New(qerrors.ErrCodeSubprocessTimeout,
				fmt.Sprintf("git %s timed out", args[0]), err)
		}
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "Repository not found") ||
			strings.Contains(msg, "could not read") {
			return "", qerrors.New(qerrors.ErrCodeRepoNotFound,
				fmt.Sprintf("git %s: %s", args[0], truncateMsg(msg)), err)
		}
		return "", qerrors.New(qerrors.ErrCodeServerError,
			fmt.Sprintf("git %s failed: %s", args[0], truncateMsg(msg)), err)
	}
	return stdout.String(), nil
}

func truncateMsg(s string) string {
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// concatTextFiles walks the clone and joins readable text files, each
// prefixed by a `### path` header, in deterministic path order.
func concatTextFiles(dir string, sparse bool) (string, int, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if includeFile(rel, sparse) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("walking clone: %w", err)
	}
	sort.Strings(paths)

	var b strings.Builder
	count := 0
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			continue
		}
		if len(data) > maxRepoFileBytes || looksBinary(data) {
			continue
		}
		b.WriteString("### ")
		b.WriteString(filepath.ToSlash(rel))
		b.WriteString("\n")
		b.Write(bytes.TrimRight(data, "\n"))
		b.WriteString("\n\n")
		count++
	}
	return strings.TrimRight(b.String(), "\n"), count, nil
}

func includeFile(rel string, sparse bool) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	if textExtensions[ext] {
		return true
	}
	if sparse {
		// In sparse mode only whitelisted dirs were checked out; allow
		// extensionless files (LICENSE, Makefile) that sniff as text.
		return ext == ""
	}
	return ext == ""
}

// looksBinary sniffs the first 8 KB for a NUL byte.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8192 {
		n = 8192
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func repoTitle(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return trimmed
}
