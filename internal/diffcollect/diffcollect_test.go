package diffcollect

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agenttree/internal/obslog"
)

// S4: editor creates file a/new.txt with contents "hi\n" in an initially
// empty worktree; the emitted diff contains an addition hunk for it.
func TestUntrackedFileAppearsAsAddition(t *testing.T) {
	repo := initRepoWithFile(t, "README.md", "# hello\n")

	require.NoError(t, os.MkdirAll(filepath.Join(repo, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a", "new.txt"), []byte("hi\n"), 0o644))

	diff, err := Collect(repo, "HEAD", nil)
	require.NoError(t, err)
	require.Contains(t, diff, "a/new.txt")
	require.Contains(t, diff, "+hi")
	require.Contains(t, diff, "/dev/null")
}

func TestModifiedTrackedFileProducesHunk(t *testing.T) {
	repo := initRepoWithFile(t, "README.md", "line one\nline two\n")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("line one\nline two changed\n"), 0o644))

	diff, err := Collect(repo, "HEAD", nil)
	require.NoError(t, err)
	require.Contains(t, diff, "README.md")
	require.Contains(t, diff, "-line two")
	require.Contains(t, diff, "+line two changed")
}

func TestDeletedFileProducesRemovalDiff(t *testing.T) {
	repo := initRepoWithFile(t, "gone.txt", "bye\n")
	require.NoError(t, os.Remove(filepath.Join(repo, "gone.txt")))

	diff, err := Collect(repo, "HEAD", nil)
	require.NoError(t, err)
	require.Contains(t, diff, "gone.txt")
	require.Contains(t, diff, "-bye")
}

func TestBinaryFileGetsStableHeaderNotEmbeddedBytes(t *testing.T) {
	repo := initRepoWithFile(t, "README.md", "text\n")

	binary := []byte{0x00, 0x01, 0x02, 0xff, 0x00, 0xfe}
	require.NoError(t, os.WriteFile(filepath.Join(repo, "blob.bin"), binary, 0o644))

	diff, err := Collect(repo, "HEAD", nil)
	require.NoError(t, err)
	require.Contains(t, diff, "Binary files differ")
	require.Contains(t, diff, "sha256:")
	require.NotContains(t, diff, string(binary))
}

func TestNoChangesProducesEmptyDiff(t *testing.T) {
	repo := initRepoWithFile(t, "README.md", "stable\n")

	diff, err := Collect(repo, "HEAD", nil)
	require.NoError(t, err)
	require.Empty(t, diff)
}

func TestOutputIsSortedByPath(t *testing.T) {
	repo := initRepoWithFile(t, "README.md", "base\n")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "zeta.txt"), []byte("z\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "alpha.txt"), []byte("a\n"), 0o644))

	diff, err := Collect(repo, "HEAD", nil)
	require.NoError(t, err)

	alphaIdx := indexOf(diff, "alpha.txt")
	zetaIdx := indexOf(diff, "zeta.txt")
	require.Greater(t, alphaIdx, -1)
	require.Greater(t, zetaIdx, -1)
	require.Less(t, alphaIdx, zetaIdx)
}

// A permission-only change (content identical, mode changed) renders as a
// degenerate bare-header marker and logs a warning, since it would otherwise
// be invisible in the emitted diff.
func TestPermissionOnlyChangeLogsWarning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode bits are not meaningful on windows")
	}
	repo := initRepoWithFile(t, "run.sh", "echo hi\n")
	require.NoError(t, os.Chmod(filepath.Join(repo, "run.sh"), 0o755))

	logDir := t.TempDir()
	log, err := obslog.New(logDir, "diffcollect-test")
	require.NoError(t, err)
	defer log.Close()

	diff, err := Collect(repo, "HEAD", log)
	require.NoError(t, err)
	require.Contains(t, diff, "run.sh")

	data, err := os.ReadFile(filepath.Join(logDir, "diffcollect-test.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "change_invisible_to_diff")
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func initRepoWithFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}
