package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/providers/adb"
)

type deviceReport struct {
	Serial  string      `json:"serial"`
	Kind    device.Kind `json:"kind"`
	Online  bool        `json:"online"`
	Matched *bool       `json:"matched,omitempty"`
	Info    device.Info `json:"info"`
}

func newDevicesCmd() *cobra.Command {
	var flagJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List adb devices with the attributes used for matching",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			reports, err := collectReports(cmd.Context(), provider, nil)
			if err != nil {
				return err
			}
			return printReports(cmd.OutOrStdout(), reports, flagJSON)
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// collectReports probes every online device. When match is non-nil it decides
// the Matched column using the same probe.
func collectReports(ctx context.Context, provider *adb.Provider, match func(*device.Probe) bool) ([]deviceReport, error) {
	observations, err := provider.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]deviceReport, 0, len(observations))
	for _, ob := range observations {
		report := deviceReport{Serial: ob.Serial, Kind: ob.Kind, Online: ob.Online}
		if ob.Online {
			probe := device.NewProbe(ctx, device.Device{Serial: ob.Serial, Kind: ob.Kind}, provider)
			if match != nil {
				matched := match(probe)
				report.Matched = &matched
			} else {
				probe.ProductType()
				probe.ProductVariant()
				probe.BatteryLevel()
			}
			report.Info = probe.Snapshot()
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func printReports(out io.Writer, reports []deviceReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tKIND\tONLINE\tPRODUCT\tVARIANT\tBATTERY\tMATCHED")
	for _, r := range reports {
		battery := "-"
		if r.Info.Battery != nil {
			battery = strconv.Itoa(*r.Info.Battery)
		}
		matched := "-"
		if r.Matched != nil {
			matched = strconv.FormatBool(*r.Matched)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n", r.Serial, r.Kind, r.Online,
			dash(r.Info.ProductType), dash(r.Info.ProductVariant), battery, matched)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
