// devlinkd is the device agent. It derives the device UID, keeps the
// session with the authority alive and serves the loopback control plane.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/harrylevesque/devlink/internal/api"
	"github.com/harrylevesque/devlink/internal/auth"
	"github.com/harrylevesque/devlink/internal/config"
	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/fingerprint"
	"github.com/harrylevesque/devlink/internal/identity"
	"github.com/harrylevesque/devlink/internal/logging"
	"github.com/harrylevesque/devlink/internal/scheduler"
	"github.com/harrylevesque/devlink/internal/store"
	"github.com/harrylevesque/devlink/internal/update"
	"github.com/harrylevesque/devlink/internal/version"
)

// migrateDelay leaves the control server time to come up before the
// startup migration check.
const migrateDelay = 2 * time.Second

var (
	cfgFile   string
	ephemeral bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "devlinkd",
		Short:        "Device identity agent",
		Version:      version.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/devlink/devlink.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "directory holding the agent state")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	cmd.PersistentFlags().String("api-base-url", "", "authority base URL, overrides the persisted one")
	cmd.Flags().String("updater-url", "", "release feed URL")
	cmd.Flags().Int("port", 3001, "control server port on 127.0.0.1")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep all state in memory")

	cmd.AddCommand(newIdentityCmd(), newInitConfigCmd())
	return cmd
}

// agent is the wired set of components shared by the commands.
type agent struct {
	cfg    config.Config
	log    *logging.Logger
	store  store.Store
	bus    *events.Bus
	ids    *identity.Manager
	client *auth.Client
}

func newAgent(cmd *cobra.Command) (*agent, error) {
	cfg, err := config.Load(cmd, cfgFile)
	if err != nil {
		return nil, err
	}
	lg, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Path:   cfg.Log.Path,
		JSON:   cfg.Log.JSON,
		Prefix: "devlinkd",
	})
	if err != nil {
		return nil, err
	}

	var st store.Store
	if ephemeral {
		st = store.NewMem()
	} else {
		st = store.Open(cfg.DataDir)
	}
	bus := events.NewBus()
	collector := fingerprint.NewCollector(fingerprint.NewReader(), st, lg.WithPrefix("fingerprint"))
	ids := identity.NewManager(collector, st, lg.WithPrefix("identity"), identity.WithSalt(cfg.UIDSalt))
	client := auth.New(auth.Config{
		BaseURL:         cfg.APIBaseURL,
		AdminContact:    cfg.AdminContact,
		NetworkProbeURL: cfg.NetworkProbeURL,
	}, ids, st, bus, lg.WithPrefix("auth"))

	return &agent{cfg: cfg, log: lg, store: st, bus: bus, ids: ids, client: client}, nil
}

func serve(cmd *cobra.Command) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.log.Close()
	logger := a.log.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", version.Version, "data_dir", a.cfg.DataDir, "api", a.client.BaseURL())
	uid := a.ids.UID(ctx, false)
	logger.Info("device uid ready", "uid", uid)

	verifyJob := scheduler.New("verify", a.cfg.VerifyInterval, func(ctx context.Context) error {
		_, err := a.client.Verify(ctx)
		return err
	}, logger)
	if a.client.RestoreSession() {
		logger.Info("restored persisted session")
		verifyJob.Start(ctx)
	}
	defer verifyJob.Stop()

	go startupMigration(ctx, a.client, logger)

	updater, err := update.New(a.cfg.UpdaterURL, a.bus, logger.WithPrefix("update"))
	if err != nil {
		return err
	}
	updateJob := scheduler.New("update-check", a.cfg.UpdateInterval, func(ctx context.Context) error {
		_, err := updater.Check(ctx)
		return err
	}, logger, scheduler.RunImmediately())
	updateJob.Start(ctx)
	defer updateJob.Stop()

	srv := &api.Server{
		Auth:     a.client,
		Identity: a.ids,
		Verifier: verifyJob,
		Updater:  updater,
		Events:   a.bus,
		Logger:   logger.WithPrefix("api"),
	}
	err = srv.ListenAndServe(ctx, a.cfg.Addr())
	logger.Info("stopped")
	return err
}

func startupMigration(ctx context.Context, client *auth.Client, logger *log.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(migrateDelay):
	}
	res, err := client.SmartMigrate(ctx)
	if err != nil {
		logger.Warn("migration check failed", "err", err)
		return
	}
	if res.Migrated {
		logger.Info("data migrated to this device", "message", res.Message)
	}
}

func newIdentityCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the device identity without starting the agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.log.Close()
			a.ids.UID(cmd.Context(), force)
			id, err := a.ids.Identity()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(id, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "recompute", false, "recompute the fingerprint instead of using the stored uid")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a config file with the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd, "")
			if err != nil {
				return err
			}
			path := cfgFile
			if path == "" {
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists, use --force to replace it", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.WriteFile(cfg, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "replace an existing file")
	return cmd
}
