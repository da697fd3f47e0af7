package discovery

import (
	"path"
	"strings"

	"stack-back/internal/logger"
	"stack-back/internal/model"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	LabelPrefix           = "stack-back"
	LabelVolumes          = LabelPrefix + ".volumes"
	LabelVolumesInclude   = LabelVolumes + ".include"
	LabelVolumesExclude   = LabelVolumes + ".exclude"
	LabelStopDuringBackup = LabelVolumes + ".stop-during-backup"
	LabelOrigin           = LabelPrefix + ".origin"

	ComposeServiceLabel = "com.docker.compose.service"
	ComposeProjectLabel = "com.docker.compose.project"

	// DefaultProjectName stands in for an empty project in marker labels.
	DefaultProjectName = "default"
)

// EngineLabel returns the label that enables the dump pipeline for e,
// e.g. "stack-back.mysql".
func EngineLabel(e model.Engine) string {
	return LabelPrefix + "." + string(e)
}

// ProcessMarkerLabel returns the label a running backup or maintenance
// process carries for the given project.
func ProcessMarkerLabel(project string) string {
	if project == "" {
		project = DefaultProjectName
	}
	return LabelPrefix + ".process-" + project
}

// Rules holds the global switches that influence classification and mount
// selection.
type Rules struct {
	AutoBackupAll     bool
	ExcludeBindMounts bool
}

// Classify turns a descriptor into a BackupUnit. First match wins:
// an enabled engine label, then (auto backup all only) the image name,
// then the generic variant.
func (r Rules) Classify(d model.Descriptor) *model.BackupUnit {
	u := &model.BackupUnit{
		Descriptor:     d,
		Engine:         model.EngineGeneric,
		DatabaseLabels: make(map[model.Engine]model.Tristate),
	}

	for _, e := range model.DatabaseEngines {
		state := boolLabel(d, EngineLabel(e))
		if state == model.Unset {
			continue
		}
		u.DatabaseLabels[e] = state
		if state == model.ExplicitTrue {
			if u.Engine != model.EngineGeneric {
				logger.Log.Warn("Container has more than one database label, keeping the first",
					zap.String("service", d.DisplayName()),
					zap.String("kept", string(u.Engine)),
					zap.String("ignored", string(e)),
				)
				continue
			}
			u.Engine = e
			u.DatabaseEnabled = true
		}
	}

	if u.Engine == model.EngineGeneric && r.AutoBackupAll {
		if e, ok := EngineFromImage(d.Image); ok {
			u.Engine = e
			// an explicit false label still opts the container out
			u.DatabaseEnabled = u.DatabaseLabels[e].Resolve(true)
		}
	}

	// Database variants are captured by their dump; their data directory
	// is only archived when the volumes label asks for it.
	u.VolumesLabel = boolLabel(d, LabelVolumes)
	u.VolumesEnabled = u.VolumesLabel.Resolve(r.AutoBackupAll && !u.Engine.IsDatabase())

	if v, ok := d.Label(LabelVolumesInclude); ok {
		u.IncludePatterns = splitPatterns(v)
	}
	if v, ok := d.Label(LabelVolumesExclude); ok {
		u.ExcludePatterns = splitPatterns(v)
	}

	u.StopDuringBackup = u.Engine == model.EngineGeneric && boolLabel(d, LabelStopDuringBackup).Resolve(false)
	u.ProcessMarker = boolLabel(d, ProcessMarkerLabel(d.ProjectName)).Resolve(false)

	return u
}

// imageEngines maps official and common third party image names to their
// engine. Names are matched exactly so exporters and tools built around a
// database ("prom/mysqld-exporter") are not mistaken for one.
var imageEngines = map[string]model.Engine{
	"mariadb":      model.EngineMariaDB,
	"mysql":        model.EngineMySQL,
	"mysql-server": model.EngineMySQL,
	"postgres":     model.EnginePostgres,
	"postgresql":   model.EnginePostgres,
}

// EngineFromImage matches the last path element of the image repository
// against the known engine image names. "docker.io/library/mariadb:11" is
// MariaDB, "bitnami/postgresql:17" is PostgreSQL.
func EngineFromImage(image string) (model.Engine, bool) {
	repo := image
	if i := strings.Index(repo, "@"); i >= 0 {
		repo = repo[:i]
	}
	name := path.Base(repo)
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	e, ok := imageEngines[strings.ToLower(name)]
	return e, ok
}

func boolLabel(d model.Descriptor, key string) model.Tristate {
	raw, ok := d.Label(key)
	if !ok {
		return model.Unset
	}
	v, err := cast.ToBoolE(strings.ToLower(raw))
	if err != nil {
		logger.Log.Warn("Ignoring label with a non boolean value",
			zap.String("service", d.DisplayName()),
			zap.String("label", key),
			zap.String("value", raw),
		)
		return model.Unset
	}
	return model.TristateOf(v)
}

func splitPatterns(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
