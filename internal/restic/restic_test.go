package restic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"stack-back/internal/config"
)

// fakeRestic writes a shell script that records its arguments and exits with
// the code found in FAKE_EXIT_<subcommand>, if any.
func fakeRestic(t *testing.T) (binary, argsFile, stdinFile string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	binary = filepath.Join(dir, "restic")
	argsFile = filepath.Join(dir, "args")
	stdinFile = filepath.Join(dir, "stdin")
	script := `#!/bin/sh
echo "$@" >> "` + argsFile + `"
echo "password=$RESTIC_PASSWORD" >> "` + argsFile + `"
sub="$3"
[ "$sub" = "--verbose" ] && sub="$4"
if [ "$sub" = "backup" ] && [ "$4" = "--stdin" ]; then cat > "` + stdinFile + `"; fi
if [ "$sub" = "snapshots" ]; then echo "ID        Time"; fi
code=$(eval echo "\${FAKE_EXIT_$sub:-0}")
if [ "$code" != "0" ]; then echo "failed $sub" >&2; fi
exit "$code"
`
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return binary, argsFile, stdinFile
}

func newTestClient(binary string) *Client {
	return New(config.ResticConfig{Binary: binary, Repository: "/repo", Password: "pw"})
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestEnsureInitialized(t *testing.T) {
	tests := []struct {
		name     string
		catExit  string
		wantErr  bool
		wantInit bool
	}{
		{name: "already initialized", catExit: "0"},
		{name: "not initialized", catExit: "10", wantInit: true},
		{name: "repository error", catExit: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binary, argsFile, _ := fakeRestic(t)
			t.Setenv("FAKE_EXIT_cat", tt.catExit)

			err := newTestClient(binary).EnsureInitialized(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureInitialized() error = %v, wantErr %v", err, tt.wantErr)
			}
			inited := false
			for _, l := range readLines(t, argsFile) {
				if l == "-r /repo init" {
					inited = true
				}
			}
			if inited != tt.wantInit {
				t.Errorf("init called = %v, want %v", inited, tt.wantInit)
			}
		})
	}
}

func TestBackupFromStdin(t *testing.T) {
	binary, argsFile, stdinFile := fakeRestic(t)
	c := newTestClient(binary)

	err := c.BackupFromStdin(context.Background(), "/databases/mysql/all_databases.sql", strings.NewReader("dump data"))
	if err != nil {
		t.Fatalf("BackupFromStdin() error = %v", err)
	}
	lines := readLines(t, argsFile)
	if lines[0] != "-r /repo backup --stdin --stdin-filename /databases/mysql/all_databases.sql" {
		t.Errorf("args = %q", lines[0])
	}
	if lines[1] != "password=pw" {
		t.Errorf("RESTIC_PASSWORD not passed to the child: %q", lines[1])
	}
	data, err := os.ReadFile(stdinFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "dump data" {
		t.Errorf("stdin = %q, want %q", data, "dump data")
	}
}

func TestCommandError(t *testing.T) {
	binary, _, _ := fakeRestic(t)
	t.Setenv("FAKE_EXIT_backup", "3")

	err := newTestClient(binary).BackupFiles(context.Background(), "/volumes")
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("BackupFiles() error = %v, want *CommandError", err)
	}
	if cerr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cerr.ExitCode)
	}
	if !strings.Contains(cerr.Stderr, "failed backup") {
		t.Errorf("Stderr = %q", cerr.Stderr)
	}
}

func TestSnapshots(t *testing.T) {
	binary, argsFile, _ := fakeRestic(t)
	out, err := newTestClient(binary).Snapshots(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ID") {
		t.Errorf("output = %q", out)
	}
	if got := readLines(t, argsFile)[0]; got != "-r /repo snapshots --latest 1" {
		t.Errorf("args = %q", got)
	}
}

func TestForgetArgs(t *testing.T) {
	got := ForgetArgs(RetentionFrom(config.ResticConfig{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 12, KeepYearly: 3}))
	want := []string{"forget", "--group-by", "paths", "--keep-daily", "7", "--keep-weekly", "4", "--keep-monthly", "12", "--keep-yearly", "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ForgetArgs() = %v, want %v", got, want)
	}
}

func TestCheckArgs(t *testing.T) {
	if got := CheckArgs(true); !reflect.DeepEqual(got, []string{"check", "--with-cache"}) {
		t.Errorf("CheckArgs(true) = %v", got)
	}
	if got := CheckArgs(false); !reflect.DeepEqual(got, []string{"check"}) {
		t.Errorf("CheckArgs(false) = %v", got)
	}
}
