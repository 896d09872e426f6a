package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	devicepool "github.com/httprunner/DevicePool"
	"github.com/httprunner/DevicePool/internal/config"
	"github.com/httprunner/DevicePool/internal/httpapi"
	"github.com/httprunner/DevicePool/internal/metrics"
	"github.com/httprunner/DevicePool/internal/storage"
	"github.com/httprunner/DevicePool/pkg/devrecorder"
	"github.com/httprunner/DevicePool/pkg/monitor"
	"github.com/httprunner/DevicePool/providers/adb"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		flagAddr     string
		flagSQLite   string
		flagProfiles string
		flagNoADB    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device pool with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Load()
			settings.HTTPAddr = firstNonEmpty(flagAddr, settings.HTTPAddr)
			settings.SQLitePath = firstNonEmpty(flagSQLite, settings.SQLitePath)
			settings.ProfilesPath = firstNonEmpty(flagProfiles, settings.ProfilesPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, settings, !flagNoADB)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (default from DEVICEPOOL_HTTP_ADDR)")
	cmd.Flags().StringVar(&flagSQLite, "sqlite", "", "State journal path (default from DEVICEPOOL_SQLITE_PATH)")
	cmd.Flags().StringVar(&flagProfiles, "profiles", "", "Criteria profiles YAML (default from DEVICEPOOL_PROFILES)")
	cmd.Flags().BoolVar(&flagNoADB, "no-adb", false, "Run without adb discovery, serving placeholder devices only")

	return cmd
}

func runServe(ctx context.Context, settings config.Settings, useADB bool) error {
	profiles, err := config.LoadProfiles(settings.ProfilesPath)
	if err != nil {
		return err
	}

	mon := monitor.New()
	m := metrics.New()
	mon.Register(m)

	var journal *storage.Journal
	if settings.SQLitePath != "" {
		journal, err = storage.OpenJournal(settings.SQLitePath)
		if err != nil {
			return err
		}
		defer journal.Close()
		mon.Register(journal)
	}

	recorder, err := devrecorder.NewFromSettings(settings)
	if err != nil {
		return err
	}
	recorderObserver := devrecorder.NewObserver(recorder, 0)
	if settings.FeishuEnabled() {
		mon.Register(recorderObserver)
	}

	cfg := devicepool.Config{
		Monitor:             mon,
		PollInterval:        settings.PollInterval,
		DisconnectThreshold: settings.DisconnectThreshold,
		Allowlist:           devicepool.ParseSerialList(settings.DeviceAllowlist),
		NumNullDevices:      settings.NumNullDevices,
		NumStubEmulators:    settings.NumStubEmulators,
	}
	if useADB {
		provider, err := adb.NewDefault()
		if err != nil {
			return err
		}
		cfg.Provider = provider
		cfg.Querier = provider
	}
	pool, err := devicepool.New(cfg)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if err := pool.Init(groupCtx); err != nil {
		return err
	}
	defer pool.Terminate()

	opts := []httpapi.Option{httpapi.WithProfiles(profiles), httpapi.WithMetrics(m)}
	if journal != nil {
		opts = append(opts, httpapi.WithEvents(journal))
	}
	srv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           httpapi.NewHandler(log.Logger, pool, opts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if settings.FeishuEnabled() {
		devicepool.GroupGoSafe(groupCtx, group, "device-recorder", recorderObserver.Run)
	}
	group.Go(func() error {
		log.Info().Str("addr", settings.HTTPAddr).
			Int("profiles", len(profiles)).
			Bool("journal", journal != nil).
			Bool("feishu", settings.FeishuEnabled()).
			Msg("device pool http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down device pool")
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
