// Package tunnelmap loads the operator-confirmed hostname to tunnel mapping.
// Lookups are exact; nothing is inferred from hostname shape.
package tunnelmap

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"rotadominios/backend/internal/models"
)

type Mapping struct {
	Hostname    string `yaml:"hostname" json:"hostname"`
	Tunnel      string `yaml:"tunnel" json:"tunnel"`
	ConfirmedBy string `yaml:"confirmed_by" json:"confirmed_by"`
}

type file struct {
	Mappings []Mapping `yaml:"mappings"`
}

// Map is an immutable hostname index. The zero value is an empty map.
type Map struct {
	byHost map[string]Mapping
}

// Load reads path. An empty path yields an empty map.
func Load(path string) (*Map, error) {
	if path == "" {
		return &Map{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnel map: %w", err)
	}
	return Parse(data)
}

// Parse validates every entry: hostname, tunnel and confirmed_by are required
// and a hostname may appear only once.
func Parse(data []byte) (*Map, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel map yaml: %w", err)
	}

	m := &Map{byHost: make(map[string]Mapping, len(f.Mappings))}
	for i, e := range f.Mappings {
		e.Hostname = models.NormalizeHostname(e.Hostname)
		e.Tunnel = strings.TrimSpace(e.Tunnel)
		switch {
		case e.Hostname == "":
			return nil, fmt.Errorf("mapping %d: hostname is required", i)
		case e.Tunnel == "":
			return nil, fmt.Errorf("mapping %d (%s): tunnel is required", i, e.Hostname)
		case strings.TrimSpace(e.ConfirmedBy) == "":
			return nil, fmt.Errorf("mapping %d (%s): confirmed_by is required", i, e.Hostname)
		}
		if _, dup := m.byHost[e.Hostname]; dup {
			return nil, fmt.Errorf("mapping %d: duplicate hostname %s", i, e.Hostname)
		}
		m.byHost[e.Hostname] = e
	}
	return m, nil
}

// Lookup returns the mapping for exactly hostname.
func (m *Map) Lookup(hostname string) (Mapping, bool) {
	if m == nil || m.byHost == nil {
		return Mapping{}, false
	}
	e, ok := m.byHost[models.NormalizeHostname(hostname)]
	return e, ok
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byHost)
}

// All returns the mappings sorted by hostname.
func (m *Map) All() []Mapping {
	if m == nil {
		return nil
	}
	out := make([]Mapping, 0, len(m.byHost))
	for _, e := range m.byHost {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}
