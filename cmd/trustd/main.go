package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trustmesh/config"
	"trustmesh/daemon"
	"trustmesh/internal/logging"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var dataRoot string
	var debug bool

	cmd := &cobra.Command{
		Use:          "trustd",
		Short:        "Device trust daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-root") || cfg.DataRoot == "" {
				cfg.DataRoot = dataRoot
			}
			level := cfg.Log.Level
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, cfg.Log.Format); err != nil {
				return err
			}

			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go reloadOnHangup(ctx, d, configPath)
			return d.Run(ctx)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", config.Path(), "Path to the daemon config file")
	cmd.Flags().StringVar(&dataRoot, "data-root", defaultDataRoot(), "Directory for the metadata database and escrow keys")
	cmd.AddCommand(checkConfigCmd())
	return cmd
}

// reloadOnHangup rereads the config file on SIGHUP and applies its account
// settings.
func reloadOnHangup(ctx context.Context, d *daemon.Daemon, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := config.Load(path)
		if err != nil {
			slog.Warn("reload config", "component", "trustd", "err", err)
			continue
		}
		if err := d.Reload(cfg); err != nil {
			slog.Warn("apply config", "component", "trustd", "err", err)
			continue
		}
		slog.Info("config reloaded", "component", "trustd", "path", path)
	}
}

func checkConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the daemon config and print it with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cmd.Printf("config %s is valid\n", configPath)
			return writeConfig(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.Path(), "Path to the daemon config file")
	return cmd
}

func writeConfig(cmd *cobra.Command, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func defaultDataRoot() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/var/lib/trustmesh"
	}
	return "/var/lib/trustmesh"
}
