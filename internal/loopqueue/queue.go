package loopqueue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/agentflow/pipeline/internal/perr"
)

// Stage names the four queue directories a loop session owns.
type Stage string

const (
	StagePending  Stage = "pending"
	StageRunning  Stage = "running"
	StageFinished Stage = "finished"
	StageFailed   Stage = "failed"
)

// Dirs is the resolved set of four queue directory paths for one loop
// session, pipecfg.LoopingDirectories with defaults applied.
type Dirs struct {
	Pending  string
	Running  string
	Finished string
	Failed   string
}

// Path returns the directory for the given stage.
func (d Dirs) Path(s Stage) string {
	switch s {
	case StagePending:
		return d.Pending
	case StageRunning:
		return d.Running
	case StageFinished:
		return d.Finished
	case StageFailed:
		return d.Failed
	default:
		return ""
	}
}

// DefaultDirs resolves the four queue directories under
// .agent-pipeline/loops/<sessionOrDefault>/, applying relative-path
// defaults for any directory the pipeline config left blank.
func DefaultDirs(repoRoot, sessionOrDefault, pending, running, finished, failed string) Dirs {
	base := filepath.Join(repoRoot, ".agent-pipeline", "loops", sessionOrDefault)
	resolve := func(configured, name string) string {
		if configured != "" {
			if filepath.IsAbs(configured) {
				return configured
			}
			return filepath.Join(repoRoot, configured)
		}
		return filepath.Join(base, name)
	}
	return Dirs{
		Pending:  resolve(pending, "pending"),
		Running:  resolve(running, "running"),
		Finished: resolve(finished, "finished"),
		Failed:   resolve(failed, "failed"),
	}
}

// EnsureExist creates all four directories (spec.md invariant 5) and seeds
// a .gitignore that ignores everything in the loop root except itself.
func EnsureExist(d Dirs) error {
	for _, p := range []string{d.Pending, d.Running, d.Finished, d.Failed} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return perr.Wrap(perr.KindPersistence, fmt.Sprintf("creating queue directory %q", p), err)
		}
	}
	root := filepath.Dir(d.Pending)
	gitignorePath := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		_ = os.WriteFile(gitignorePath, []byte("*\n!.gitignore\n"), 0o644) //nolint:errcheck
	}
	return nil
}

// ListPending returns pending/*.{yml,yaml} file paths sorted oldest-first
// by modification time, per spec.md §4.9.4 ("the oldest YAML file (by
// mtime) is selected").
func ListPending(d Dirs) ([]string, error) {
	var matches []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		found, err := doublestar.Glob(os.DirFS(d.Pending), pattern)
		if err != nil {
			return nil, perr.Wrap(perr.KindPersistence, "globbing pending queue", err)
		}
		for _, f := range found {
			matches = append(matches, filepath.Join(d.Pending, f))
		}
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: m, mod: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.Before(entries[j].mod) })

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// Move renames src (living in one queue directory) into destDir, the
// commit point spec.md §5 names as the synchronization mechanism. If a
// file of the same name already exists at the destination, the name is
// disambiguated by inserting a millisecond timestamp before the
// extension; if two disambiguation attempts in the same process still
// collide (two iterations landing in the same millisecond), an 8-hex-digit
// xxhash of the source path breaks the tie. Returns the final destination
// path.
func Move(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", perr.Wrap(perr.KindPersistence, "creating queue destination", err)
	}

	// os.Rename silently replaces an existing destination on POSIX rather
	// than failing, so collisions must be detected up front rather than
	// by inspecting the rename's error.
	name := filepath.Base(src)
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		disambiguated := withTimestampSuffix(name, time.Now())
		dest = filepath.Join(destDir, disambiguated)
		if _, err := os.Stat(dest); err == nil {
			dest = filepath.Join(destDir, withHashSuffix(name, src))
		}
	}

	if err := os.Rename(src, dest); err != nil {
		return "", perr.Wrap(perr.KindPersistence, fmt.Sprintf("moving %q to %q", src, destDir), err)
	}
	return dest, nil
}

func withTimestampSuffix(name string, t time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s-%d%s", base, t.UnixMilli(), ext)
}

func withHashSuffix(name, srcPath string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	sum := xxhash.Sum64String(srcPath)
	return fmt.Sprintf("%s-%s%s", base, strconv.FormatUint(sum, 16)[:8], ext)
}

// CopyBack recursively copies src's contents into dst, force-overwriting
// any existing files, used to mirror a worktree's local queue directories
// back into the main repository's after each iteration (spec.md §4.9.4).
func CopyBack(src, dst string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return perr.Wrap(perr.KindPersistence, fmt.Sprintf("stating %q", src), err)
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return perr.Wrap(perr.KindPersistence, fmt.Sprintf("creating %q", dst), err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return perr.Wrap(perr.KindPersistence, fmt.Sprintf("listing %q", src), err)
	}
	for _, e := range entries {
		if err := CopyBack(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return perr.Wrap(perr.KindPersistence, fmt.Sprintf("opening %q", src), err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return perr.Wrap(perr.KindPersistence, fmt.Sprintf("creating %q", dst), err)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, in); err != nil {
		return perr.Wrap(perr.KindPersistence, fmt.Sprintf("copying %q to %q", src, dst), err)
	}
	return nil
}

// CopyBackAll mirrors every one of a worktree's four queue directories
// into the corresponding main-repo directory.
func CopyBackAll(worktree, mainRepo Dirs) error {
	pairs := [][2]string{
		{worktree.Pending, mainRepo.Pending},
		{worktree.Running, mainRepo.Running},
		{worktree.Finished, mainRepo.Finished},
		{worktree.Failed, mainRepo.Failed},
	}
	for _, p := range pairs {
		if err := CopyBack(p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}
