package config

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/httprunner/DevicePool/pkg/selection"
)

// Profiles maps a profile name to a reusable selection spec.
//
//	profiles:
//	  pixel-charged:
//	    product_types: ["bullhead:angler"]
//	    min_battery: 50
//	    require_battery_check: true
type Profiles map[string]selection.Spec

type profilesFile struct {
	Profiles Profiles `yaml:"profiles"`
}

// LoadProfiles reads a YAML profiles file. An empty path yields no profiles.
// Every profile is built once so an invalid product type fails the load.
func LoadProfiles(path string) (Profiles, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read profiles file %s", path)
	}
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse profiles file %s", path)
	}
	if file.Profiles == nil {
		file.Profiles = Profiles{}
	}
	for name, spec := range file.Profiles {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("profile name cannot be empty")
		}
		if _, err := spec.Build(); err != nil {
			return nil, errors.Wrapf(err, "invalid profile %s", name)
		}
	}
	return file.Profiles, nil
}

// Lookup returns the named profile.
func (p Profiles) Lookup(name string) (selection.Spec, bool) {
	spec, ok := p[strings.TrimSpace(name)]
	return spec, ok
}

// Names returns profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
