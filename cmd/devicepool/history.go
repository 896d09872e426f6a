package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/httprunner/DevicePool/internal/config"
	"github.com/httprunner/DevicePool/internal/storage"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagSQLite string
		flagLimit  int
	)

	cmd := &cobra.Command{
		Use:   "history [serial]",
		Short: "Print journaled device states, or the transitions of one device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstNonEmpty(flagSQLite, config.String(config.EnvSQLitePath, ""))
			if path == "" {
				return errors.Errorf("--sqlite or %s must be provided", config.EnvSQLitePath)
			}
			journal, err := storage.OpenJournal(path)
			if err != nil {
				return err
			}
			defer journal.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) == 0 {
				states, err := journal.States()
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "SERIAL\tKIND\tSTATE\tSEQ\tUPDATED")
				for _, s := range states {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Serial, s.Kind, s.State, s.Seq, s.UpdatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			}

			events, err := journal.Events(args[0], flagLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "SEQ\tFROM\tTO\tAT")
			for _, ev := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, ev.From, ev.To, ev.At.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&flagSQLite, "sqlite", "", "State journal path (default from DEVICEPOOL_SQLITE_PATH)")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum number of transitions to print, 0 for all")
	return cmd
}
