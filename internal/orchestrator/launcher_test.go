package orchestrator

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"stack-back/internal/discovery"
	"stack-back/internal/model"
	"stack-back/internal/topology"
)

type fakeRunner struct {
	spec  *discovery.ProcessSpec
	code  int
	err   error
	calls int
}

func (f *fakeRunner) RunProcessContainer(ctx context.Context, spec discovery.ProcessSpec, out io.Writer) (int, error) {
	f.calls++
	f.spec = &spec
	return f.code, f.err
}

func launchContext(t *testing.T, extra ...model.Descriptor) *topology.Context {
	t.Helper()
	self := container(selfID, "backup", "stack-back:1.0", nil)
	self.Env = map[string]string{
		"RESTIC_REPOSITORY": "/restic",
		"DOCKER_HOST":       "tcp://proxy:2375",
		"HOSTNAME":          "aaaaaaaaaaaa",
	}
	self.Networks = []string{"app_default", "app_backend"}
	cfg := testConfig()
	rc, err := topology.Resolve(append([]model.Descriptor{self}, extra...), cfg, "aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return rc
}

func TestProcessSpecFor(t *testing.T) {
	rc := launchContext(t,
		container("wwww", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
	)
	cfg := testConfig()

	spec, err := ProcessSpecFor(rc, cfg, BackupProcess)
	if err != nil {
		t.Fatalf("ProcessSpecFor() error = %v", err)
	}

	if spec.Image != "stack-back:1.0" {
		t.Errorf("Image = %q", spec.Image)
	}
	if !reflect.DeepEqual(spec.Command, []string{"stack-back", "start-backup-process"}) {
		t.Errorf("Command = %v", spec.Command)
	}
	if !strings.HasPrefix(spec.Name, "app-stack-back-backup-") {
		t.Errorf("Name = %q", spec.Name)
	}
	wantEnv := []string{"RESTIC_REPOSITORY=/restic", "DOCKER_HOST=unix:///tmp/docker.sock"}
	if !reflect.DeepEqual(spec.Env, wantEnv) {
		t.Errorf("Env = %v, want %v", spec.Env, wantEnv)
	}
	wantBinds := []string{"/srv/data:/volumes/web/data:ro", "/var/run/docker.sock:/tmp/docker.sock:ro"}
	if !reflect.DeepEqual(spec.Binds, wantBinds) {
		t.Errorf("Binds = %v, want %v", spec.Binds, wantBinds)
	}
	wantLabels := map[string]string{
		"stack-back.process-app":     "true",
		"stack-back.origin":          selfID,
		"com.docker.compose.project": "app",
	}
	if !reflect.DeepEqual(spec.Labels, wantLabels) {
		t.Errorf("Labels = %v, want %v", spec.Labels, wantLabels)
	}
	if !reflect.DeepEqual(spec.Networks, []string{"app_default", "app_backend"}) {
		t.Errorf("Networks = %v", spec.Networks)
	}
	// stop timeout 10s from testConfig
	if want := 10*time.Second + resumeTimeout + processStopMargin; spec.StopTimeout != want {
		t.Errorf("StopTimeout = %v, want %v", spec.StopTimeout, want)
	}
}

func TestMaintenanceProcessSpec(t *testing.T) {
	rc := launchContext(t,
		container("wwww", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
	)

	spec, err := ProcessSpecFor(rc, testConfig(), MaintenanceProcess)
	if err != nil {
		t.Fatalf("ProcessSpecFor() error = %v", err)
	}
	if !reflect.DeepEqual(spec.Command, []string{"stack-back", "start-maintenance-process"}) {
		t.Errorf("Command = %v", spec.Command)
	}
	if !strings.HasPrefix(spec.Name, "app-stack-back-maintenance-") {
		t.Errorf("Name = %q", spec.Name)
	}
	if spec.Labels["stack-back.process-app"] != "true" {
		t.Errorf("Labels = %v, missing the process marker", spec.Labels)
	}
	if !reflect.DeepEqual(spec.Binds, []string{"/var/run/docker.sock:/tmp/docker.sock:ro"}) {
		t.Errorf("Binds = %v, want only the docker socket", spec.Binds)
	}
}

// A backup resolved while maintenance runs must see the marker and refuse
// to launch.
func TestBackupWaitsForMaintenance(t *testing.T) {
	rc := launchContext(t)
	spec, err := ProcessSpecFor(rc, testConfig(), MaintenanceProcess)
	if err != nil {
		t.Fatalf("ProcessSpecFor() error = %v", err)
	}

	running := model.Descriptor{ID: "mmmm", Image: spec.Image, Labels: spec.Labels, ProjectName: "app"}
	runner := &fakeRunner{}
	code, err := Launch(context.Background(), runner, launchContext(t, running), testConfig(), BackupProcess, io.Discard)
	if err != nil || code != ExitAlreadyRunning || runner.calls != 0 {
		t.Errorf("Launch() = %d, %v after %d calls", code, err, runner.calls)
	}
}

// The launched container must itself be seen as the mutex holder and not as
// a backup candidate.
func TestProcessSpecIsExcludedFromPlan(t *testing.T) {
	rc := launchContext(t,
		container("wwww", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
	)
	spec, err := ProcessSpecFor(rc, testConfig(), BackupProcess)
	if err != nil {
		t.Fatalf("ProcessSpecFor() error = %v", err)
	}

	proc := model.Descriptor{ID: "pppp", Image: spec.Image, Labels: spec.Labels, ProjectName: "app"}
	next := launchContext(t,
		container("wwww", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
		proc,
	)
	if !next.BackupProcessRunning {
		t.Error("process container does not hold the mutex")
	}
	for _, u := range next.Eligible {
		if u.ID() == "pppp" {
			t.Error("process container is eligible for backup")
		}
	}
}

func TestLaunch(t *testing.T) {
	t.Run("returns the process exit code", func(t *testing.T) {
		runner := &fakeRunner{code: 1}
		code, err := Launch(context.Background(), runner, launchContext(t), testConfig(), BackupProcess, io.Discard)
		if err != nil || code != 1 || runner.calls != 1 {
			t.Errorf("Launch() = %d, %v after %d calls", code, err, runner.calls)
		}
	})

	t.Run("already running", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := launchContext(t, container("pppp", "", "stack-back", map[string]string{"stack-back.process-app": "true"}))
		code, err := Launch(context.Background(), runner, rc, testConfig(), BackupProcess, io.Discard)
		if err != nil || code != ExitAlreadyRunning || runner.calls != 0 {
			t.Errorf("Launch() = %d, %v after %d calls", code, err, runner.calls)
		}
	})

	t.Run("runtime error", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("image not found")}
		code, err := Launch(context.Background(), runner, launchContext(t), testConfig(), BackupProcess, io.Discard)
		if err == nil || code != ExitFailure {
			t.Errorf("Launch() = %d, %v", code, err)
		}
	})

	t.Run("no self", func(t *testing.T) {
		rc, err := topology.Resolve(nil, testConfig(), "unknown")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		runner := &fakeRunner{}
		_, err = Launch(context.Background(), runner, rc, testConfig(), BackupProcess, io.Discard)
		if !errors.Is(err, ErrNoSelf) || runner.calls != 0 {
			t.Errorf("Launch() error = %v after %d calls", err, runner.calls)
		}
	})
}
