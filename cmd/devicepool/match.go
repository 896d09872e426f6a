package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/httprunner/DevicePool/internal/config"
	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/selection"
	"github.com/httprunner/DevicePool/providers/adb"
)

type criteriaFlags struct {
	profile        string
	profilesPath   string
	serials        []string
	excludes       []string
	products       []string
	properties     []string
	emulator       bool
	device         bool
	stubEmulator   bool
	nullDevice     bool
	minBattery     int
	maxBattery     int
	requireBattery bool
}

func (f *criteriaFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.profile, "profile", "", "Named criteria profile")
	flags.StringVar(&f.profilesPath, "profiles", "", "Criteria profiles YAML (default from DEVICEPOOL_PROFILES)")
	flags.StringSliceVarP(&f.serials, "serial", "s", nil, "Only match these serials (default from ANDROID_SERIAL)")
	flags.StringSliceVar(&f.excludes, "exclude-serial", nil, "Never match these serials")
	flags.StringSliceVar(&f.products, "product-type", nil, "Product type filter, product or product:variant")
	flags.StringSliceVar(&f.properties, "property", nil, "Property filter key=value")
	flags.BoolVarP(&f.emulator, "emulator", "e", false, "Only match emulators")
	flags.BoolVarP(&f.device, "device", "d", false, "Only match physical devices")
	flags.BoolVar(&f.stubEmulator, "stub-emulator", false, "Allow stub emulator placeholders")
	flags.BoolVar(&f.nullDevice, "null-device", false, "Only match null device placeholders")
	flags.IntVar(&f.minBattery, "min-battery", -1, "Minimum battery level, inclusive")
	flags.IntVar(&f.maxBattery, "max-battery", -1, "Maximum battery level, exclusive")
	flags.BoolVar(&f.requireBattery, "require-battery-check", false, "Reject devices whose battery level is unknown")
}

// build resolves the profile, if any, and layers explicit flags on top.
func (f *criteriaFlags) build(cmd *cobra.Command) (*selection.Criteria, error) {
	var spec selection.Spec
	if f.profile != "" {
		profiles, err := config.LoadProfiles(firstNonEmpty(f.profilesPath, config.String(config.EnvProfilesPath, "")))
		if err != nil {
			return nil, err
		}
		found, ok := profiles.Lookup(f.profile)
		if !ok {
			return nil, errors.Errorf("profile %s not found", f.profile)
		}
		spec = found
	}
	flags := cmd.Flags()
	if flags.Changed("serial") {
		spec.Serials = f.serials
	}
	spec.ExcludeSerials = append(spec.ExcludeSerials, f.excludes...)
	spec.ProductTypes = append(spec.ProductTypes, f.products...)
	spec.Properties = append(spec.Properties, f.properties...)
	spec.Emulator = spec.Emulator || f.emulator
	spec.Device = spec.Device || f.device
	spec.StubEmulator = spec.StubEmulator || f.stubEmulator
	spec.NullDevice = spec.NullDevice || f.nullDevice
	spec.RequireBatteryCheck = spec.RequireBatteryCheck || f.requireBattery
	if flags.Changed("min-battery") && f.minBattery >= 0 {
		level := f.minBattery
		spec.MinBattery = &level
	}
	if flags.Changed("max-battery") && f.maxBattery >= 0 {
		level := f.maxBattery
		spec.MaxBattery = &level
	}
	return spec.Build(selection.WithSerialSource(selection.EnvSerialSource(nil)))
}

func newMatchCmd() *cobra.Command {
	var (
		criteria criteriaFlags
		flagJSON bool
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Show which adb devices satisfy the given criteria without allocating",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := criteria.build(cmd)
			if err != nil {
				return err
			}
			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			reports, err := collectReports(cmd.Context(), provider, func(p *device.Probe) bool {
				return selection.Matches(c, p)
			})
			if err != nil {
				return err
			}
			return printReports(cmd.OutOrStdout(), reports, flagJSON)
		},
	}
	criteria.register(cmd)
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
