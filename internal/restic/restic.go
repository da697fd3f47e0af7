package restic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"stack-back/internal/config"
	"stack-back/internal/logger"

	"go.uber.org/zap"
)

// notInitializedExitCode is what "restic cat config" exits with when the
// repository does not exist yet.
const notInitializedExitCode = 10

var ErrNotInitialized = errors.New("restic repository is not initialized")

// CommandError is a non-zero restic exit with the captured output.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("restic %s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Retention is the keep policy passed to forget.
type Retention struct {
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int
}

// Client runs restic against one repository. Credentials are passed through
// the child environment only.
type Client struct {
	binary     string
	repository string
	env        []string
}

func New(cfg config.ResticConfig) *Client {
	c := &Client{
		binary:     cfg.Binary,
		repository: cfg.Repository,
	}
	if c.binary == "" {
		c.binary = "restic"
	}
	if cfg.Password != "" {
		c.env = append(c.env, "RESTIC_PASSWORD="+cfg.Password)
	}
	if cfg.PasswordFile != "" {
		c.env = append(c.env, "RESTIC_PASSWORD_FILE="+cfg.PasswordFile)
	}
	return c
}

// RetentionFrom builds the forget policy from the config.
func RetentionFrom(cfg config.ResticConfig) Retention {
	return Retention{Daily: cfg.KeepDaily, Weekly: cfg.KeepWeekly, Monthly: cfg.KeepMonthly, Yearly: cfg.KeepYearly}
}

func (c *Client) Repository() string {
	return c.repository
}

func (c *Client) args(args ...string) []string {
	return append([]string{"-r", c.repository}, args...)
}

func (c *Client) command(ctx context.Context, stdin io.Reader, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, c.args(args...)...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stdin = stdin
	return cmd
}

// run executes restic and returns its stdout. Any non-zero exit is
// returned as a *CommandError.
func (c *Client) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := c.command(ctx, stdin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Log.Debug("Running restic", zap.Strings("args", args))
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	cerr := &CommandError{Args: args, ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	return cerr.Stdout, cerr
}

// logged runs restic and logs its output: debug on success, error with the
// full output otherwise.
func (c *Client) logged(ctx context.Context, stdin io.Reader, args ...string) error {
	out, err := c.run(ctx, stdin, args...)
	if err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) {
			logger.Log.Error("restic command failed",
				zap.Strings("args", args),
				zap.Int("exitCode", cerr.ExitCode),
				zap.String("stdout", strings.TrimSpace(cerr.Stdout)),
				zap.String("stderr", strings.TrimSpace(cerr.Stderr)),
			)
		}
		return err
	}
	if out = strings.TrimSpace(out); out != "" {
		logger.Log.Debug("restic output", zap.Strings("args", args), zap.String("stdout", out))
	}
	return nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.logged(ctx, nil, "init")
}

// IsInitialized runs "cat config". Exit 10 means the repository does not
// exist yet, any other failure is returned.
func (c *Client) IsInitialized(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, nil, "cat", "config")
	if err == nil {
		return true, nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.ExitCode == notInitializedExitCode {
		return false, nil
	}
	return false, err
}

// EnsureInitialized creates the repository unless it already exists.
func (c *Client) EnsureInitialized(ctx context.Context) error {
	ok, err := c.IsInitialized(ctx)
	if err != nil {
		return fmt.Errorf("failed to check repository: %w", err)
	}
	if ok {
		return nil
	}
	logger.Log.Info("Repository not initialized, running restic init", zap.String("repository", c.repository))
	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("%w: init failed: %w", ErrNotInitialized, err)
	}
	return nil
}

// BackupFiles archives source in one snapshot.
func (c *Client) BackupFiles(ctx context.Context, source string) error {
	return c.logged(ctx, nil, "--verbose", "backup", source)
}

// BackupFromStdin archives everything read from r as a single file named
// filename inside the snapshot.
func (c *Client) BackupFromStdin(ctx context.Context, filename string, r io.Reader) error {
	return c.logged(ctx, r, "backup", "--stdin", "--stdin-filename", filename)
}

func (c *Client) Forget(ctx context.Context, keep Retention) error {
	return c.logged(ctx, nil, ForgetArgs(keep)...)
}

func (c *Client) Prune(ctx context.Context) error {
	return c.logged(ctx, nil, "prune")
}

func (c *Client) Check(ctx context.Context, withCache bool) error {
	return c.logged(ctx, nil, CheckArgs(withCache)...)
}

// Snapshots returns the snapshot listing, only the newest one when latest
// is set.
func (c *Client) Snapshots(ctx context.Context, latest bool) (string, error) {
	args := []string{"snapshots"}
	if latest {
		args = append(args, "--latest", "1")
	}
	return c.run(ctx, nil, args...)
}

func ForgetArgs(keep Retention) []string {
	return []string{
		"forget",
		"--group-by", "paths",
		"--keep-daily", strconv.Itoa(keep.Daily),
		"--keep-weekly", strconv.Itoa(keep.Weekly),
		"--keep-monthly", strconv.Itoa(keep.Monthly),
		"--keep-yearly", strconv.Itoa(keep.Yearly),
	}
}

func CheckArgs(withCache bool) []string {
	if withCache {
		return []string{"check", "--with-cache"}
	}
	return []string{"check"}
}
