package topology

import (
	"errors"
	"reflect"
	"testing"

	"stack-back/internal/config"
	"stack-back/internal/model"
)

const selfID = "aaaaaaaaaaaa0000000000000000000000000000000000000000000000000000"

func container(id, project, service, image string, labels map[string]string, mounts ...model.Mount) model.Descriptor {
	l := map[string]string{
		"com.docker.compose.project": project,
		"com.docker.compose.service": service,
	}
	for k, v := range labels {
		l[k] = v
	}
	return model.Descriptor{
		ID:          id,
		ServiceName: service,
		ProjectName: project,
		Image:       image,
		Labels:      l,
		Mounts:      mounts,
	}
}

func bind(src, dst string) model.Mount {
	return model.Mount{Kind: model.MountBind, Source: src, Destination: dst}
}

func selfContainer(project string, labels map[string]string) model.Descriptor {
	return container(selfID, project, "backup", "stack-back", labels)
}

func testConfig() config.Config {
	return config.Config{Topology: config.TopologyConfig{VolumesRoot: "/volumes"}}
}

func serviceNames(units []*model.BackupUnit) []string {
	var out []string
	for _, u := range units {
		out = append(out, u.ServiceName())
	}
	return out
}

func TestResolveScenario(t *testing.T) {
	descs := []model.Descriptor{
		selfContainer("app", nil),
		container("cccc", "app", "mysql", "mysql:8", map[string]string{"stack-back.mysql": "true"}, bind("/srv/mysql", "/var/lib/mysql")),
		container("bbbb", "app", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
	}

	rc, err := Resolve(descs, testConfig(), "aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rc.Self == nil || rc.Self.ID() != selfID {
		t.Fatalf("Self = %v, want %s", rc.Self, selfID)
	}
	if got, want := serviceNames(rc.Eligible), []string{"mysql", "web"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Eligible = %v, want %v", got, want)
	}
	want := []BindMapping{{Source: "/srv/data", Target: "/volumes/web/data", ReadOnly: true, UnitID: "bbbb"}}
	if !reflect.DeepEqual(rc.Mappings, want) {
		t.Errorf("Mappings = %+v, want %+v", rc.Mappings, want)
	}
	if got := rc.Binds(); !reflect.DeepEqual(got, []string{"/srv/data:/volumes/web/data:ro"}) {
		t.Errorf("Binds() = %v", got)
	}
	if got := serviceNames(rc.DatabaseUnits()); !reflect.DeepEqual(got, []string{"mysql"}) {
		t.Errorf("DatabaseUnits() = %v", got)
	}
	if got := serviceNames(rc.VolumeUnits()); !reflect.DeepEqual(got, []string{"web"}) {
		t.Errorf("VolumeUnits() = %v", got)
	}
	if rc.BackupProcessRunning {
		t.Error("BackupProcessRunning = true, want false")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	descs := []model.Descriptor{
		selfContainer("app", nil),
		container("dddd", "app", "files", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/a", "/a"), bind("/srv/b", "/b")),
		container("bbbb", "app", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
	}
	first, err := Resolve(descs, testConfig(), "aaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Resolve(descs, testConfig(), "aaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(serviceNames(first.Eligible), serviceNames(second.Eligible)) {
		t.Errorf("eligible sets differ: %v vs %v", serviceNames(first.Eligible), serviceNames(second.Eligible))
	}
	if !reflect.DeepEqual(first.Mappings, second.Mappings) {
		t.Errorf("mappings differ: %v vs %v", first.Mappings, second.Mappings)
	}
}

func TestResolveProjectScoping(t *testing.T) {
	descs := []model.Descriptor{
		selfContainer("a", nil),
		container("a1", "a", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/a", "/data")),
		container("b1", "b", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/b", "/data")),
	}

	t.Run("single project", func(t *testing.T) {
		rc, err := Resolve(descs, testConfig(), "aaaaaaaaaaaa")
		if err != nil {
			t.Fatal(err)
		}
		if len(rc.Eligible) != 1 || rc.Eligible[0].ID() != "a1" {
			t.Fatalf("Eligible = %v, want only a1", serviceNames(rc.Eligible))
		}
		if rc.Mappings[0].Target != "/volumes/web/data" {
			t.Errorf("Target = %q, want /volumes/web/data", rc.Mappings[0].Target)
		}
	})

	t.Run("multi project", func(t *testing.T) {
		cfg := testConfig()
		cfg.Topology.IncludeAllComposeProject = true
		rc, err := Resolve(descs, cfg, "aaaaaaaaaaaa")
		if err != nil {
			t.Fatal(err)
		}
		if len(rc.Eligible) != 2 {
			t.Fatalf("Eligible = %d units, want 2", len(rc.Eligible))
		}
		var targets []string
		for _, m := range rc.Mappings {
			targets = append(targets, m.Target)
		}
		want := []string{"/volumes/a/web/data", "/volumes/b/web/data"}
		if !reflect.DeepEqual(targets, want) {
			t.Errorf("targets = %v, want %v", targets, want)
		}
	})
}

func TestResolveMutex(t *testing.T) {
	tests := []struct {
		name        string
		descs       []model.Descriptor
		wantRunning bool
	}{
		{
			name: "marker on another container",
			descs: []model.Descriptor{
				selfContainer("app", nil),
				container("eeee", "app", "", "stack-back", map[string]string{"stack-back.process-app": "true"}),
			},
			wantRunning: true,
		},
		{
			name: "marker on self only",
			descs: []model.Descriptor{
				selfContainer("app", map[string]string{"stack-back.process-app": "true"}),
			},
			wantRunning: false,
		},
		{
			name: "marker in another project is out of scope",
			descs: []model.Descriptor{
				selfContainer("app", nil),
				container("eeee", "other", "", "stack-back", map[string]string{"stack-back.process-other": "true"}),
			},
			wantRunning: false,
		},
		{
			name: "marker explicitly false",
			descs: []model.Descriptor{
				selfContainer("app", nil),
				container("eeee", "app", "", "stack-back", map[string]string{"stack-back.process-app": "false"}),
			},
			wantRunning: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := Resolve(tt.descs, testConfig(), "aaaaaaaaaaaa")
			if err != nil {
				t.Fatal(err)
			}
			if rc.BackupProcessRunning != tt.wantRunning {
				t.Errorf("BackupProcessRunning = %v, want %v", rc.BackupProcessRunning, tt.wantRunning)
			}
		})
	}
}

func TestResolveProcessContainerExcludesOrigin(t *testing.T) {
	const processID = "ffffffffffff1111"
	descs := []model.Descriptor{
		container(selfID, "app", "backup", "stack-back", map[string]string{"stack-back.volumes": "true"}, bind("/srv/self", "/self")),
		container(processID, "app", "", "stack-back", map[string]string{
			"stack-back.process-app": "true",
			"stack-back.origin":      selfID,
		}),
		container("bbbb", "app", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/data", "/data")),
	}

	rc, err := Resolve(descs, testConfig(), "ffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Self == nil || rc.Self.ID() != processID {
		t.Fatalf("Self = %v, want the process container", rc.Self)
	}
	if rc.BackupProcessRunning {
		t.Error("process container must not see its own marker as a conflict")
	}
	if got := serviceNames(rc.Eligible); !reflect.DeepEqual(got, []string{"web"}) {
		t.Errorf("Eligible = %v, want [web]", got)
	}
	if got := rc.ProcessMarkerLabel(); got != "stack-back.process-app" {
		t.Errorf("ProcessMarkerLabel() = %q", got)
	}
}

func TestResolveAmbiguousSelf(t *testing.T) {
	descs := []model.Descriptor{
		container("abc1230000", "app", "one", "nginx", nil),
		container("abc1239999", "app", "two", "nginx", nil),
	}
	_, err := Resolve(descs, testConfig(), "abc123")
	if !errors.Is(err, ErrAmbiguousSelf) {
		t.Fatalf("Resolve() error = %v, want ErrAmbiguousSelf", err)
	}
}

func TestResolveWithoutSelf(t *testing.T) {
	descs := []model.Descriptor{
		container("a1", "a", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/a", "/data")),
		container("b1", "b", "api", "nginx", map[string]string{"stack-back.volumes": "true"}, bind("/srv/b", "/data")),
	}
	rc, err := Resolve(descs, testConfig(), "not-a-container")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Self != nil {
		t.Errorf("Self = %v, want nil", rc.Self)
	}
	if len(rc.Eligible) != 2 {
		t.Errorf("Eligible = %v, want both units in degraded mode", serviceNames(rc.Eligible))
	}
	if got := rc.ProcessMarkerLabel(); got != "stack-back.process-default" {
		t.Errorf("ProcessMarkerLabel() = %q", got)
	}
}

func TestResolveEligibility(t *testing.T) {
	descs := []model.Descriptor{
		selfContainer("app", nil),
		container("b1", "app", "off", "nginx", map[string]string{"stack-back.volumes": "false"}, bind("/srv/x", "/x"), bind("/srv/y", "/y")),
		container("b2", "app", "empty", "nginx", map[string]string{"stack-back.volumes": "true"}),
		container("b3", "app", "filtered", "nginx", map[string]string{"stack-back.volumes": "true", "stack-back.volumes.include": "nomatch"}, bind("/srv/z", "/z")),
	}
	rc, err := Resolve(descs, testConfig(), "aaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := serviceNames(rc.Eligible), []string{"empty", "filtered"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Eligible = %v, want %v", got, want)
	}
	if len(rc.Mappings) != 0 {
		t.Errorf("Mappings = %v, want none", rc.Mappings)
	}
}

func TestResolveDedupesSharedSources(t *testing.T) {
	shared := model.Mount{Kind: model.MountVolume, Name: "uploads", Source: "/var/lib/docker/volumes/uploads/_data", Destination: "/uploads"}
	descs := []model.Descriptor{
		selfContainer("app", nil),
		container("r1", "app", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, shared),
		container("r2", "app", "web", "nginx", map[string]string{"stack-back.volumes": "true"}, shared),
	}
	rc, err := Resolve(descs, testConfig(), "aaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	want := []BindMapping{{Source: "uploads", Target: "/volumes/web/uploads", ReadOnly: true, UnitID: "r1"}}
	if !reflect.DeepEqual(rc.Mappings, want) {
		t.Errorf("Mappings = %+v, want %+v", rc.Mappings, want)
	}
}
