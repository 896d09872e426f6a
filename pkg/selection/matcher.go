package selection

import (
	"github.com/httprunner/DevicePool/pkg/device"
)

// Matches reports whether dev satisfies c. Checks run cheapest first and stop
// at the first rejection, so attribute queries on a live device are only
// issued when needed. A nil criteria matches everything a zero criteria would.
func Matches(c *Criteria, dev device.Attributes) bool {
	if dev == nil {
		return false
	}
	if c == nil {
		c = New()
	}
	v := c.view()
	serial := dev.SerialNumber()

	if len(v.serials) > 0 {
		if _, ok := v.serials[serial]; !ok {
			return false
		}
	}
	if _, ok := v.excludeSerials[serial]; ok {
		return false
	}
	if len(v.productVariants) > 0 {
		productType, ok := dev.ProductType()
		if !ok {
			return false
		}
		variants, known := v.productVariants[productType]
		if !known {
			return false
		}
		if len(variants) > 0 {
			variant, ok := dev.ProductVariant()
			if !ok {
				return false
			}
			if _, ok := variants[variant]; !ok {
				return false
			}
		}
	}
	for key, want := range v.properties {
		got, ok := dev.Property(key)
		if !ok || got != want {
			return false
		}
	}
	if (v.emulatorRequested || v.stubEmulatorRequested) && !dev.IsEmulator() {
		return false
	}
	if v.deviceRequested && dev.IsEmulator() {
		return false
	}
	// stub emulators are opt-in only
	if dev.IsEmulator() && dev.IsStubEmulator() && !v.stubEmulatorRequested {
		return false
	}
	if v.nullDeviceRequested != dev.IsNullDevice() {
		return false
	}
	if v.minBattery != nil || v.maxBattery != nil {
		level, known := dev.BatteryLevel()
		if !known {
			return !v.requireBatteryCheck
		}
		if v.minBattery != nil && level < *v.minBattery {
			return false
		}
		// upper bound is exclusive
		if v.maxBattery != nil && *v.maxBattery <= level {
			return false
		}
	}
	return true
}
