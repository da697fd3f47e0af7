package model

import (
	"sort"
	"strings"
)

// MountKind is the docker mount type of a Mount.
type MountKind string

const (
	MountBind   MountKind = "bind"
	MountVolume MountKind = "volume"
)

// Mount is one entry of a container's mount table.
type Mount struct {
	Kind        MountKind `json:"kind" yaml:"kind"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"` // volume name, empty for binds
	Source      string    `json:"source" yaml:"source"`
	Destination string    `json:"destination" yaml:"destination"`
}

// BindSource is the value docker accepts on the left side of a bind spec.
// Named volumes are referenced by name so that non-local volume drivers work.
func (m Mount) BindSource() string {
	if m.Kind == MountVolume && m.Name != "" {
		return m.Name
	}
	return m.Source
}

// Descriptor is a snapshot of one running container taken at resolution time.
// It is never mutated after discovery.
type Descriptor struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Hostname    string            `json:"hostname"`
	ServiceName string            `json:"service_name"`
	ProjectName string            `json:"project_name"`
	Image       string            `json:"image"`
	Labels      map[string]string `json:"labels"`
	Env         map[string]string `json:"-"`
	Networks    []string          `json:"networks,omitempty"`
	Mounts      []Mount           `json:"mounts"`
}

// Label returns the trimmed value of a label and whether it is present.
func (d Descriptor) Label(key string) (string, bool) {
	v, ok := d.Labels[key]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// EnvValue returns a container environment variable, or "" with ok=false.
func (d Descriptor) EnvValue(key string) (string, bool) {
	v, ok := d.Env[key]
	return v, ok
}

// ShortID returns the 12 character docker id, the default container hostname.
func (d Descriptor) ShortID() string {
	if len(d.ID) > 12 {
		return d.ID[:12]
	}
	return d.ID
}

// DisplayName prefers the compose service name over the container name.
func (d Descriptor) DisplayName() string {
	if d.ServiceName != "" {
		return d.ServiceName
	}
	return strings.TrimPrefix(d.Name, "/")
}

// EnvList renders Env back into the KEY=value form docker expects.
func (d Descriptor) EnvList() []string {
	out := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
