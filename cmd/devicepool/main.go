package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/DevicePool/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "devicepool",
	Short: "Allocate Android devices by selection criteria",
	Long: `devicepool tracks the devices visible to adb, matches them against
selection criteria and hands them out one caller at a time. Settings are read
from the environment and the nearest .env file.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogger(firstNonEmpty(rootLogLevel, config.String(config.EnvLogLevel, config.DefaultLogLevel)))
	},
	SilenceUsage: true,
}

var rootLogLevel string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (default from LOG_LEVEL)")
	rootCmd.AddCommand(
		newServeCmd(),
		newDevicesCmd(),
		newMatchCmd(),
		newHistoryCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicepool command failed")
	}
}

func configureLogger(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
