// dagfeed streams live Kaspa DAG and mempool data to websocket subscribers.
//
// It keeps pooled gRPC channels to one or more kaspad nodes, fails over to the
// first ready node, and publishes per-topic payloads only while someone is
// listening.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortiblox/dagfeed/internal/config"
	"github.com/fortiblox/dagfeed/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "dagfeed",
		Short:         "Live Kaspa DAG and mempool feed",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v, configFile)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")
	flags.StringSlice("kaspad-hosts", nil, "kaspad gRPC endpoints, host or host:port")
	flags.Int("pool-size", 0, "Maximum pooled channels per kaspad node")
	flags.String("listen", "", "HTTP listen address")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console or json")

	bindFlag(v, "kaspad.hosts", root, "kaspad-hosts")
	bindFlag(v, "kaspad.pool_size", root, "pool-size")
	bindFlag(v, "server.listen_addr", root, "listen")
	bindFlag(v, "log.level", root, "log-level")
	bindFlag(v, "log.format", root, "log-format")

	root.AddCommand(newVersionCmd())
	return root
}

// bindFlag binds a flag to a viper key. Unset flags fall through to the
// environment, the config file and the defaults.
func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dagfeed %s (%s)\n", Version, GitCommit)
		},
	}
}

func runServe(cmd *cobra.Command, v *viper.Viper, configFile string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting dagfeed",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Strings("kaspad_hosts", cfg.Kaspad.Hosts),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("dagfeed stopped", zap.Error(err))
		return err
	}
	logger.Info("dagfeed stopped")
	return nil
}
