package dumper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"sync"

	"stack-back/internal/logger"
	"stack-back/internal/model"

	"go.uber.org/zap"
)

// ErrMissingCredentials is returned when none of an engine's credential
// candidates is set on the container.
var ErrMissingCredentials = errors.New("no database credentials found in container environment")

// Credentials are resolved from the database container's environment.
type Credentials struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// Dumper is the engine specific strategy behind a database unit.
type Dumper interface {
	Credentials() (Credentials, error)
	// DumpCommand builds the dump process. The password is only ever set in
	// the returned command's own environment.
	DumpCommand(ctx context.Context) (*exec.Cmd, error)
	Healthcheck(ctx context.Context) error
	// DumpName is the file name of the archived dump, e.g. "all_databases.sql".
	DumpName() (string, error)
}

type NewDumperFunc func(unit *model.BackupUnit) Dumper

var dumperFactories = make(map[model.Engine]NewDumperFunc)

func RegisterDumperFactory(engine model.Engine, factory NewDumperFunc) {
	if factory == nil {
		logger.Log.Fatal("Dumper factory is nil", zap.String("engine", string(engine)))
	}
	if _, registered := dumperFactories[engine]; registered {
		logger.Log.Fatal("Dumper factory already registered", zap.String("engine", string(engine)))
	}
	dumperFactories[engine] = factory
}

// GetDumper returns the strategy for the unit's engine.
func GetDumper(unit *model.BackupUnit) (Dumper, error) {
	factory, ok := dumperFactories[unit.Engine]
	if !ok {
		return nil, fmt.Errorf("no dumper registered for engine %q", unit.Engine)
	}
	return factory(unit), nil
}

// DumpPath returns the stable archive path of a unit's dump:
// /databases/<project?>/<service>/<name>.
func DumpPath(unit *model.BackupUnit, d Dumper, includeProject bool) (string, error) {
	name, err := d.DumpName()
	if err != nil {
		return "", err
	}
	parts := []string{"/databases"}
	if includeProject && unit.ProjectName() != "" {
		parts = append(parts, unit.ProjectName())
	}
	parts = append(parts, unit.ServiceName(), name)
	return path.Join(parts...), nil
}

// Dump runs the unit's dump command and streams its stdout into dest.
func Dump(ctx context.Context, d Dumper, dest io.Writer) error {
	cmd, err := d.DumpCommand(ctx)
	if err != nil {
		return err
	}
	return Stream(ctx, cmd, dest)
}

// Stream starts cmd, copies its stdout into destWriter and waits for it.
// Stderr is collected separately and logged, it never reaches destWriter.
func Stream(ctx context.Context, cmd *exec.Cmd, destWriter io.Writer) error {
	logFields := []zap.Field{
		zap.String("commandPath", cmd.Path),
		zap.Strings("commandArgs", cmd.Args),
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logger.Log.Error("Failed to start dump command", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to start dump command %s: %w", cmd.Path, err)
	}
	logger.Log.Debug("Started dump command", logFields...)

	var copyErr error
	var written int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		written, copyErr = io.Copy(destWriter, stdoutPipe)
		if copyErr != nil {
			// unblock the command if the reader side went away
			io.Copy(io.Discard, stdoutPipe)
		}
	}()

	stderrOutput, _ := io.ReadAll(stderrPipe)
	wg.Wait()
	cmdErr := cmd.Wait()

	stderrStr := strings.TrimSpace(string(stderrOutput))
	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("dump command %s cancelled: %w", cmd.Path, ctx.Err())
		}
		logger.Log.Error("Dump command failed", append(logFields, zap.Error(cmdErr), zap.String("stderr", stderrStr))...)
		return fmt.Errorf("dump command %s failed (stderr: %s): %w", cmd.Path, stderrStr, cmdErr)
	}
	if copyErr != nil {
		return fmt.Errorf("error streaming dump output: %w", copyErr)
	}
	if stderrStr != "" {
		logger.Log.Warn("Dump command completed with messages on stderr", append(logFields, zap.String("stderr", stderrStr))...)
	}

	logger.Log.Info("Streamed dump output", append(logFields, zap.Int64("bytes", written))...)
	return nil
}

// envCandidate is one way of finding a user and password in a container
// environment. A fixed user means only the password variable is read.
type envCandidate struct {
	userVar     string
	fixedUser   string
	passwordVar string
}

func resolveCredentials(d model.Descriptor, candidates []envCandidate) (user, password string, err error) {
	for _, c := range candidates {
		pw, ok := d.EnvValue(c.passwordVar)
		if !ok || pw == "" {
			continue
		}
		if c.fixedUser != "" {
			return c.fixedUser, pw, nil
		}
		if u, ok := d.EnvValue(c.userVar); ok && u != "" {
			return u, pw, nil
		}
	}
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.fixedUser != "" {
			names = append(names, c.passwordVar)
		} else {
			names = append(names, c.userVar+"/"+c.passwordVar)
		}
	}
	return "", "", fmt.Errorf("%w for service %s (tried %s)", ErrMissingCredentials, d.DisplayName(), strings.Join(names, ", "))
}

// hostFor returns the address other containers reach d by. The container
// hostname resolves on every user defined network.
func hostFor(d model.Descriptor) string {
	if d.Hostname != "" {
		return d.Hostname
	}
	if d.ServiceName != "" {
		return d.ServiceName
	}
	return strings.TrimPrefix(d.Name, "/")
}
