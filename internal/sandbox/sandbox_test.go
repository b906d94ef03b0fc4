package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed, skipping", name)
	}
}

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestRunRejectsUnknownLanguage(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), "/tmp/skill.rb", "ruby")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("Run = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestRunCapturesStdout(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeScript(t, "skill.python", "print('hello from sandbox')\n")

	res, err := New().Run(context.Background(), path, "python")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0 (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if res.TimedOut {
		t.Error("unexpected timeout")
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello from sandbox" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRunReportsNonZeroExit(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeScript(t, "skill.python", "import sys\nsys.stderr.write('boom')\nsys.exit(3)\n")

	res, err := New().Run(context.Background(), path, "python")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Errorf("stderr = %q, want it to contain boom", res.Stderr)
	}
}

func TestRunScrubsEnvironment(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeScript(t, "skill.python",
		"import os\nprint(os.environ.get('HOME', ''))\nprint(os.environ.get('PATH', ''))\nprint(os.environ.get('USER', 'unset'))\n")

	res, err := New().Run(context.Background(), path, "python")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("stdout = %q, want three lines", res.Stdout)
	}
	if lines[0] != "/tmp" {
		t.Errorf("HOME = %q, want /tmp", lines[0])
	}
	if lines[1] != "/usr/bin:/bin" {
		t.Errorf("PATH = %q, want /usr/bin:/bin", lines[1])
	}
	if lines[2] != "unset" {
		t.Errorf("USER leaked into sandbox: %q", lines[2])
	}
}

func TestRunStartsInCodeDirectory(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeScript(t, "skill.python", "import os\nprint(os.getcwd())\n")

	res, err := New().Run(context.Background(), path, "python")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		t.Fatalf("resolving dir: %v", err)
	}
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if err != nil {
		t.Fatalf("resolving cwd %q: %v", res.Stdout, err)
	}
	if got != want {
		t.Errorf("cwd = %q, want %q", got, want)
	}
}

func TestRunKillsOnDeadline(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeScript(t, "skill.python", "import time\ntime.sleep(60)\n")

	r := New(WithTimeout(300*time.Millisecond), WithGrace(200*time.Millisecond))
	start := time.Now()
	res, err := r.Run(context.Background(), path, "python")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.ExitCode == 0 {
		t.Error("killed run should not report exit 0")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill escalation took %v", elapsed)
	}
}

func TestRunJavaScript(t *testing.T) {
	requireInterpreter(t, "node")
	path := writeScript(t, "skill.javascript", "console.log('node ok')\n")

	res, err := New().Run(context.Background(), path, "javascript")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(res.Stdout); got != "node ok" {
		t.Errorf("stdout = %q", got)
	}
}

func TestCommandForMapsEachLanguage(t *testing.T) {
	cases := []struct {
		language string
		argv     []string
	}{
		{"python", []string{"python3", "-I", "/q/s/skill.python"}},
		{"javascript", []string{"node", "/q/s/skill.javascript"}},
		// TypeScript must not go straight to node: type annotations are
		// a syntax error there, so every typed skill would fail.
		{"typescript", []string{"npx", "tsx", "/q/s/skill.typescript"}},
	}
	for _, tc := range cases {
		argv, err := commandFor(tc.language, "/q/s/skill."+tc.language)
		if err != nil {
			t.Fatalf("commandFor(%s) failed: %v", tc.language, err)
		}
		if len(argv) != len(tc.argv) {
			t.Fatalf("commandFor(%s) = %v, want %v", tc.language, argv, tc.argv)
		}
		for i := range argv {
			if argv[i] != tc.argv[i] {
				t.Errorf("commandFor(%s)[%d] = %q, want %q", tc.language, i, argv[i], tc.argv[i])
			}
		}
	}
}

func TestRunTypeScript(t *testing.T) {
	requireInterpreter(t, "npx")
	// npx would otherwise try to install tsx on the fly; only run when
	// it is already available locally.
	if err := exec.Command("npx", "--no-install", "tsx", "--version").Run(); err != nil {
		t.Skipf("tsx not installed, skipping: %v", err)
	}
	path := writeScript(t, "skill.typescript",
		"const greet = (name: string): string => `hello ${name}`\nconsole.log(greet('sandbox'))\n")

	res, err := New().Run(context.Background(), path, "typescript")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello sandbox" {
		t.Errorf("stdout = %q", got)
	}
}

func TestLimitedBufferDropsOverflow(t *testing.T) {
	b := &limitedBuffer{max: 8}
	n, err := b.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", n, err)
	}
	if got := b.String(); got != "01234567" {
		t.Errorf("buffer = %q, want first 8 bytes", got)
	}
	if n, _ := b.Write([]byte("more")); n != 4 {
		t.Errorf("overflow Write = %d, want full consumption", n)
	}
	if got := b.String(); got != "01234567" {
		t.Errorf("buffer grew past cap: %q", got)
	}
}
