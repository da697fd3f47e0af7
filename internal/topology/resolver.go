package topology

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"stack-back/internal/config"
	"stack-back/internal/discovery"
	"stack-back/internal/logger"
	"stack-back/internal/model"

	"go.uber.org/zap"
)

// ErrAmbiguousSelf is returned when more than one container matches the
// local host identity.
var ErrAmbiguousSelf = errors.New("ambiguous self identification")

// BindMapping maps one host path (or volume name) into the backup process.
type BindMapping struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"read_only" yaml:"read_only"`
	UnitID   string `json:"-" yaml:"-"`
}

// Bind renders the mapping in docker's "src:dst[:ro]" form.
func (m BindMapping) Bind() string {
	if m.ReadOnly {
		return m.Source + ":" + m.Target + ":ro"
	}
	return m.Source + ":" + m.Target
}

// Context is the per-run view of the topology. It is rebuilt on every
// invocation and never persisted.
type Context struct {
	// Units holds every unit left after project scoping, self included.
	Units []*model.BackupUnit
	// Self is nil when no container matched the local host identity.
	Self *model.BackupUnit

	BackupProcessRunning bool
	// MarkerHolders lists the ids of the containers that hold the marker.
	MarkerHolders []string

	// Eligible is the ordered backup set.
	Eligible []*model.BackupUnit
	Mappings []BindMapping

	IncludeProjectName bool
	VolumesRoot        string

	mounts map[string][]model.Mount
}

// Resolve classifies all descriptors and derives the backup plan for this
// run. hostname is the local host identity used to find self.
func Resolve(descs []model.Descriptor, cfg config.Config, hostname string) (*Context, error) {
	rules := discovery.Rules{
		AutoBackupAll:     cfg.Topology.AutoBackupAllEnabled(),
		ExcludeBindMounts: cfg.Topology.ExcludeBindMounts,
	}

	all := make([]*model.BackupUnit, 0, len(descs))
	for _, d := range descs {
		all = append(all, rules.Classify(d))
	}

	self, err := findSelf(all, hostname)
	if err != nil {
		return nil, err
	}

	rc := &Context{
		Self:               self,
		IncludeProjectName: cfg.Topology.IncludeProjectNameEnabled(),
		VolumesRoot:        cfg.Topology.VolumesRoot,
		mounts:             make(map[string][]model.Mount),
	}
	if rc.VolumesRoot == "" {
		rc.VolumesRoot = "/volumes"
	}

	switch {
	case cfg.Topology.IncludeAllComposeProject:
		rc.Units = all
	case self == nil:
		logger.Log.Warn("Could not identify own container, project scoping and self exclusion are disabled",
			zap.String("hostname", hostname))
		rc.Units = all
	default:
		for _, u := range all {
			if u.ProjectName() == self.ProjectName() {
				rc.Units = append(rc.Units, u)
			}
		}
	}
	sortUnits(rc.Units)

	var origin string
	if self != nil {
		origin, _ = self.Descriptor.Label(discovery.LabelOrigin)
	}

	for _, u := range rc.Units {
		if u == self {
			continue
		}
		if u.ProcessMarker {
			rc.BackupProcessRunning = true
			rc.MarkerHolders = append(rc.MarkerHolders, u.ID())
			continue
		}
		if origin != "" && u.ID() == origin {
			continue
		}
		if !u.VolumesEnabled && !u.DatabaseEnabled {
			continue
		}
		rc.Eligible = append(rc.Eligible, u)
		rc.mounts[u.ID()] = rules.FilterMounts(u)
	}

	rc.Mappings = rc.buildMappings()
	return rc, nil
}

// findSelf matches hostname against descriptor ids, either exactly or as
// the short id docker uses as the default hostname.
func findSelf(units []*model.BackupUnit, hostname string) (*model.BackupUnit, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, nil
	}
	var matches []*model.BackupUnit
	for _, u := range units {
		if u.ID() == hostname || strings.HasPrefix(u.ID(), hostname) {
			matches = append(matches, u)
		}
	}
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.Descriptor.ShortID())
		}
		return nil, fmt.Errorf("%w: hostname %q matches containers %s", ErrAmbiguousSelf, hostname, strings.Join(ids, ", "))
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return nil, nil
}

func sortUnits(units []*model.BackupUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.ProjectName() != b.ProjectName() {
			return a.ProjectName() < b.ProjectName()
		}
		if a.ServiceName() != b.ServiceName() {
			return a.ServiceName() < b.ServiceName()
		}
		return a.ID() < b.ID()
	})
}

func (rc *Context) buildMappings() []BindMapping {
	var out []BindMapping
	bySource := make(map[string]bool)
	byTarget := make(map[string]string)

	for _, u := range rc.Eligible {
		for _, m := range rc.mounts[u.ID()] {
			src := m.BindSource()
			if bySource[src] {
				// replicas of one service share their mounts
				continue
			}
			target := rc.TargetPath(u, m)
			if prev, ok := byTarget[target]; ok {
				logger.Log.Warn("Skipping mount, target path already used by another source",
					zap.String("service", u.ServiceName()),
					zap.String("source", src),
					zap.String("target", target),
					zap.String("previousSource", prev),
				)
				continue
			}
			bySource[src] = true
			byTarget[target] = src
			out = append(out, BindMapping{Source: src, Target: target, ReadOnly: true, UnitID: u.ID()})
		}
	}
	return out
}

// TargetPath returns where mount m of unit u appears inside the backup
// process: <root>/<project?>/<service>/<destination>.
func (rc *Context) TargetPath(u *model.BackupUnit, m model.Mount) string {
	parts := []string{rc.VolumesRoot}
	if rc.IncludeProjectName && u.ProjectName() != "" {
		parts = append(parts, u.ProjectName())
	}
	parts = append(parts, u.ServiceName(), strings.TrimPrefix(m.Destination, "/"))
	return path.Join(parts...)
}

// Mounts returns the filtered mounts of an eligible unit.
func (rc *Context) Mounts(u *model.BackupUnit) []model.Mount {
	return rc.mounts[u.ID()]
}

// MappingsFor returns the mappings contributed by unit u.
func (rc *Context) MappingsFor(u *model.BackupUnit) []BindMapping {
	var out []BindMapping
	for _, m := range rc.Mappings {
		if m.UnitID == u.ID() {
			out = append(out, m)
		}
	}
	return out
}

// VolumeUnits returns the eligible units with volume backup enabled.
func (rc *Context) VolumeUnits() []*model.BackupUnit {
	var out []*model.BackupUnit
	for _, u := range rc.Eligible {
		if u.VolumesEnabled {
			out = append(out, u)
		}
	}
	return out
}

// DatabaseUnits returns the eligible units with a dump pipeline enabled.
func (rc *Context) DatabaseUnits() []*model.BackupUnit {
	var out []*model.BackupUnit
	for _, u := range rc.Eligible {
		if u.DatabaseEnabled && u.Engine.IsDatabase() {
			out = append(out, u)
		}
	}
	return out
}

// Binds returns all mappings in docker bind form.
func (rc *Context) Binds() []string {
	out := make([]string, 0, len(rc.Mappings))
	for _, m := range rc.Mappings {
		out = append(out, m.Bind())
	}
	return out
}

// ProjectName is the project of self, or "" when self is unknown.
func (rc *Context) ProjectName() string {
	if rc.Self == nil {
		return ""
	}
	return rc.Self.ProjectName()
}

// ProcessMarkerLabel is the label a backup process started from this
// context advertises itself with.
func (rc *Context) ProcessMarkerLabel() string {
	return discovery.ProcessMarkerLabel(rc.ProjectName())
}
