package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/mergeflow/internal/backend"
	"github.com/aristath/mergeflow/internal/config"
	"github.com/aristath/mergeflow/internal/mergequeue"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeConfig writes a config override with the store and lock under dir.
func writeConfig(t *testing.T, dir string, overrides map[string]any) string {
	t.Helper()
	cfg := map[string]any{
		"store":   map[string]any{"path": filepath.Join(dir, "state", "mergeflow.db")},
		"logging": map[string]any{"level": "error"},
	}
	for k, v := range overrides {
		cfg[k] = v
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return writeFile(t, filepath.Join(dir, "config.json"), string(data), 0644)
}

// gitRepo creates a repository on main with one commit.
func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"checkout", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		git(t, dir, args...)
	}
	writeFile(t, filepath.Join(dir, "README.md"), "# Test Repo\n", 0644)
	writeFile(t, filepath.Join(dir, ".gitignore"), ".worktrees/\n.mergeflow/\n", 0644)
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v (output: %s)", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

const planTasks = `tasks:
  - id: api
    objective: Build the API
    priority: 1
    touched_files: [api/server.go]
  - id: docs
    objective: Write docs
    priority: 2
    touched_files: [README.md]
  - id: deploy
    objective: Ship it
    depends_on: [api]
`

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".mergeflow", "config.json")

	if _, err := execute(t, "init", "--repo", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	cfg, err := config.Load("", path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.MergeQueue.MainBranch != config.DefaultConfig().MergeQueue.MainBranch {
		t.Errorf("main branch = %q", cfg.MergeQueue.MainBranch)
	}

	if _, err := execute(t, "init", "--repo", dir); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, err := execute(t, "init", "--repo", dir, "--force"); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	tasks := writeFile(t, filepath.Join(dir, "tasks.yaml"), planTasks, 0644)

	out, err := execute(t, "plan", "--tasks", tasks, "--repo", dir, "--config", writeConfig(t, dir, nil))
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	for _, want := range []string{"Next batch", "api", "docs", "api/server.go", "parallelism", "ready 2/3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "deploy") {
		t.Errorf("blocked task listed in batch:\n%s", out)
	}
}

func TestPlanCommand_NothingReady(t *testing.T) {
	dir := t.TempDir()
	tasks := writeFile(t, filepath.Join(dir, "tasks.yaml"), "- id: done\n  objective: x\n  status: complete\n", 0644)

	out, err := execute(t, "plan", "--tasks", tasks, "--repo", dir, "--config", writeConfig(t, dir, nil))
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.Contains(out, "No ready tasks.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestPlanCommand_BadTaskFile(t *testing.T) {
	dir := t.TempDir()
	tasks := writeFile(t, filepath.Join(dir, "tasks.yaml"), "- objective: no id\n", 0644)

	if _, err := execute(t, "plan", "--tasks", tasks, "--repo", dir, "--config", writeConfig(t, dir, nil)); err == nil {
		t.Fatal("expected error for a task without an id")
	}
}

func TestMergeCommand(t *testing.T) {
	repo := gitRepo(t)
	git(t, repo, "checkout", "-b", "feature")
	writeFile(t, filepath.Join(repo, "feature.txt"), "feature\n", 0644)
	git(t, repo, "add", "feature.txt")
	git(t, repo, "commit", "-m", "Add feature")
	git(t, repo, "checkout", "main")

	cfg := writeConfig(t, t.TempDir(), map[string]any{
		"merge_queue": map[string]any{"auto_resolve": false, "test_command": "test -f feature.txt"},
	})
	out, err := execute(t, "merge", "feature", "--repo", repo, "--config", cfg)
	if err != nil {
		t.Fatalf("merge failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "complete") || !strings.Contains(out, "feature") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Errorf("feature not merged into main: %v", err)
	}
	if branch := git(t, repo, "rev-parse", "--abbrev-ref", "HEAD"); branch != "main" {
		t.Errorf("repo left on %q", branch)
	}
}

func TestMergeCommand_UnknownBranch(t *testing.T) {
	repo := gitRepo(t)
	cfg := writeConfig(t, t.TempDir(), map[string]any{
		"merge_queue": map[string]any{"auto_resolve": false, "retry_enabled": false},
	})

	out, err := execute(t, "merge", "missing", "--repo", repo, "--config", cfg)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected failure naming the branch, got %v\n%s", err, out)
	}
}

func TestMergeCommand_RequiresBranch(t *testing.T) {
	if _, err := execute(t, "merge"); err == nil {
		t.Fatal("expected error without branches")
	}
}

// fakeAgent writes a CLI that creates file in its working directory and
// reports success in stream-json.
func fakeAgent(t *testing.T, file string) string {
	t.Helper()
	script := "#!/bin/sh\necho generated > " + file + "\ncat <<'EOF'\n" +
		`{"type":"system","subtype":"init","session_id":"sess-1"}` + "\n" +
		`{"type":"result","subtype":"success","session_id":"sess-1","result":"Done","is_error":false,"num_turns":1}` +
		"\nEOF\n"
	return writeFile(t, filepath.Join(t.TempDir(), "fake-claude"), script, 0755)
}

func TestRunCommand(t *testing.T) {
	repo := gitRepo(t)
	dir := t.TempDir()
	tasks := writeFile(t, filepath.Join(dir, "tasks.yaml"), "- id: gen\n  objective: Generate a file\n", 0644)
	cfg := writeConfig(t, dir, map[string]any{
		"providers":   map[string]any{"claude": map[string]any{"command": fakeAgent(t, "generated.txt"), "type": "claude"}},
		"merge_queue": map[string]any{"auto_resolve": false},
	})

	out, err := execute(t, "run", "--tasks", tasks, "--repo", repo, "--config", cfg)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Run finished after 1 round(s)") || !strings.Contains(out, "complete") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(repo, "generated.txt")); err != nil {
		t.Errorf("agent output not merged into main: %v", err)
	}

	// A second run finds nothing left to do.
	out, err = execute(t, "run", "--repo", repo, "--config", cfg)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !strings.Contains(out, "after 0 round(s)") {
		t.Errorf("second run should not execute anything:\n%s", out)
	}
}

func TestRunCommand_AgentFailure(t *testing.T) {
	repo := gitRepo(t)
	dir := t.TempDir()
	tasks := writeFile(t, filepath.Join(dir, "tasks.yaml"), "- id: broken\n  objective: fail\n", 0644)
	failing := writeFile(t, filepath.Join(dir, "fail-claude"),
		"#!/bin/sh\necho '{\"type\":\"result\",\"subtype\":\"error\",\"session_id\":\"s\",\"result\":\"nope\",\"is_error\":true}'\n", 0755)
	cfg := writeConfig(t, dir, map[string]any{
		"providers": map[string]any{"claude": map[string]any{"command": failing, "type": "claude"}},
	})

	out, err := execute(t, "run", "--tasks", tasks, "--repo", repo, "--config", cfg, "--max-rounds", "1")
	if err == nil || !strings.Contains(err.Error(), "1 task(s) failed") {
		t.Fatalf("expected task failure, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "broken") {
		t.Errorf("failed task not reported:\n%s", out)
	}
}

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// terminates tracked processes, as the run command does on interrupt.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := backend.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Process group isolation
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}
	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}
}

func TestRenderStatsListsEveryStrategy(t *testing.T) {
	var buf bytes.Buffer
	renderStats(&buf, mergequeue.Stats{
		Processed:      3,
		Succeeded:      3,
		StrategyCounts: map[string]int{"theirs": 1, "ort": 1, "recursive-patience": 1, "unused": 0},
	})
	out := buf.String()

	for _, name := range []string{"ort", "recursive-patience", "theirs"} {
		if !strings.Contains(out, name) {
			t.Errorf("stats output is missing strategy %q:\n%s", name, out)
		}
	}
	if strings.Contains(out, "unused") {
		t.Errorf("strategies that never succeeded should be omitted:\n%s", out)
	}
	if i, j := strings.Index(out, "recursive-patience"), strings.Index(out, "theirs"); i > j {
		t.Errorf("strategies not sorted:\n%s", out)
	}
}
