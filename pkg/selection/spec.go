package selection

import (
	"github.com/pkg/errors"
)

// Spec is the declarative form of a Criteria, used by config files, the HTTP
// API and CLI flags.
type Spec struct {
	Serials             []string `json:"serials,omitempty" yaml:"serials,omitempty"`
	ExcludeSerials      []string `json:"exclude_serials,omitempty" yaml:"exclude_serials,omitempty"`
	ProductTypes        []string `json:"product_types,omitempty" yaml:"product_types,omitempty"`
	Properties          []string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Emulator            bool     `json:"emulator,omitempty" yaml:"emulator,omitempty"`
	Device              bool     `json:"device,omitempty" yaml:"device,omitempty"`
	StubEmulator        bool     `json:"stub_emulator,omitempty" yaml:"stub_emulator,omitempty"`
	NullDevice          bool     `json:"null_device,omitempty" yaml:"null_device,omitempty"`
	MinBattery          *int     `json:"min_battery,omitempty" yaml:"min_battery,omitempty"`
	MaxBattery          *int     `json:"max_battery,omitempty" yaml:"max_battery,omitempty"`
	RequireBatteryCheck bool     `json:"require_battery_check,omitempty" yaml:"require_battery_check,omitempty"`
}

// Build converts s into a Criteria. An invalid product type fails the whole
// build; malformed properties are skipped.
func (s Spec) Build(opts ...Option) (*Criteria, error) {
	c := New(opts...)
	if len(s.Serials) > 0 {
		c.SetSerial(s.Serials...)
	}
	for _, serial := range s.ExcludeSerials {
		c.AddExcludeSerial(serial)
	}
	for _, product := range s.ProductTypes {
		if err := c.AddProductType(product); err != nil {
			return nil, errors.Wrap(err, "build selection criteria")
		}
	}
	for _, prop := range s.Properties {
		c.AddProperty(prop)
	}
	c.SetEmulatorRequested(s.Emulator)
	c.SetDeviceRequested(s.Device)
	c.SetStubEmulatorRequested(s.StubEmulator)
	c.SetNullDeviceRequested(s.NullDevice)
	c.SetMinBatteryLevel(s.MinBattery)
	c.SetMaxBatteryLevel(s.MaxBattery)
	c.SetRequireBatteryCheck(s.RequireBatteryCheck)
	return c, nil
}
