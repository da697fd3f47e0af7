package discovery

import (
	"strings"

	"stack-back/internal/model"
)

// FilterMounts returns the mounts of u that should be archived, in
// discovery order. Include patterns are applied before exclude patterns and
// both match as substrings of the mount source.
func (r Rules) FilterMounts(u *model.BackupUnit) []model.Mount {
	if !u.VolumesEnabled {
		return nil
	}

	var out []model.Mount
	for _, m := range u.Descriptor.Mounts {
		if r.ExcludeBindMounts && m.Kind == model.MountBind {
			continue
		}
		if len(u.IncludePatterns) > 0 && !matchesAny(m.Source, u.IncludePatterns) {
			continue
		}
		if matchesAny(m.Source, u.ExcludePatterns) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matchesAny(source string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(source, p) {
			return true
		}
	}
	return false
}
