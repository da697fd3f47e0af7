package model

// Engine tags the variant of a BackupUnit.
type Engine string

const (
	EngineGeneric  Engine = "generic"
	EngineMariaDB  Engine = "mariadb"
	EngineMySQL    Engine = "mysql"
	EnginePostgres Engine = "postgres"
)

// DatabaseEngines lists the database variants in classification order.
var DatabaseEngines = []Engine{EngineMariaDB, EngineMySQL, EnginePostgres}

// IsDatabase reports whether e is one of the database variants.
func (e Engine) IsDatabase() bool {
	return e == EngineMariaDB || e == EngineMySQL || e == EnginePostgres
}

// Tristate is a boolean label that may also be absent.
type Tristate int

const (
	Unset Tristate = iota
	ExplicitTrue
	ExplicitFalse
)

// TristateOf converts a parsed label value.
func TristateOf(v bool) Tristate {
	if v {
		return ExplicitTrue
	}
	return ExplicitFalse
}

// Resolve returns the explicit value, or def when unset.
func (t Tristate) Resolve(def bool) bool {
	switch t {
	case ExplicitTrue:
		return true
	case ExplicitFalse:
		return false
	}
	return def
}

func (t Tristate) String() string {
	switch t {
	case ExplicitTrue:
		return "true"
	case ExplicitFalse:
		return "false"
	}
	return "unset"
}

// BackupUnit is the classified view of one container.
type BackupUnit struct {
	Descriptor Descriptor
	Engine     Engine

	// VolumesLabel is the raw state of the volumes label; VolumesEnabled is
	// the value after defaults were applied.
	VolumesLabel   Tristate
	VolumesEnabled bool

	// DatabaseLabels holds one entry per engine label found on the container.
	DatabaseLabels  map[Engine]Tristate
	DatabaseEnabled bool

	IncludePatterns []string
	ExcludePatterns []string

	// StopDuringBackup is always false for database variants.
	StopDuringBackup bool

	// ProcessMarker is set when the container advertises a running backup
	// or maintenance process.
	ProcessMarker bool
}

// ID is a shorthand for the descriptor id.
func (u *BackupUnit) ID() string { return u.Descriptor.ID }

// ServiceName is a shorthand for the descriptor service name.
func (u *BackupUnit) ServiceName() string { return u.Descriptor.DisplayName() }

// ProjectName is a shorthand for the descriptor project name.
func (u *BackupUnit) ProjectName() string { return u.Descriptor.ProjectName }

// DatabaseEnabledFor reports whether the dump pipeline for engine e is on.
func (u *BackupUnit) DatabaseEnabledFor(e Engine) bool {
	return u.DatabaseEnabled && u.Engine == e
}
