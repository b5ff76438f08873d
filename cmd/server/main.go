package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

// Set at link time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zephyrmesh:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:           "zephyrmesh [remote-address]",
		Short:         "Peer-to-peer node with a gossip topic, a local cache and an id generator",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	addFlags(cmd, defaults)
	return cmd
}

func addFlags(cmd *cobra.Command, c *config.Config) {
	cmd.Flags().String("datadir", defaultDataDir(), "Directory searched for zephyrmesh.{yaml,toml,json}")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error")

	// Network
	cmd.Flags().StringP("listen", "l", c.BindAddr, "Listen IP:Port for the gossip transport")
	cmd.Flags().StringP("advertise", "a", c.AdvertiseAddr, "Address registered with discovery (defaults to --listen)")
	cmd.Flags().StringP("admin-listen", "s", c.AdminAddr, "Listen IP:Port for the admin HTTP server, empty to disable")
	cmd.Flags().Duration("dial-timeout", c.DialTimeout, "Timeout for dials and etcd requests")

	// Node
	cmd.Flags().String("topic", c.Topic, "Gossip topic to join")
	cmd.Flags().Int("bus-capacity", c.BusCapacity, "Unread commands a subscriber may fall behind by")
	cmd.Flags().Int64("worker-id", c.WorkerID, "Worker tag mixed into generated ids")
	cmd.Flags().Int("cache-capacity", c.CacheCapacity, "Cache capacity in bytes")
	cmd.Flags().StringSlice("cache-seed", nil, "key=value pairs written to the cache at startup")
	cmd.Flags().Bool("no-console", c.NoConsole, "Do not read commands from stdin")

	// Discovery
	cmd.Flags().StringSlice("etcd", nil, "etcd endpoints; empty disables etcd discovery")
	cmd.Flags().String("etcd-prefix", c.EtcdPrefix, "etcd key prefix for peer registrations")
	cmd.Flags().Int64("lease-ttl", c.LeaseTTL, "etcd lease TTL in seconds")
}

// loadConfig binds flags and ZEPHYR_* environment variables, then reads
// [datadir]/zephyrmesh.* if present.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("zephyr")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("zephyrmesh")
	v.AddConfigPath(v.GetString("datadir"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return config.Load(v)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(args) == 1 {
		cfg.Dial, err = node.ParseDialAddr(args[0])
		if err != nil {
			logger.Fatal("bad remote address", zap.String("arg", args[0]), zap.Error(err))
		}
	}

	logger.Debug("config",
		zap.String("datadir", cfg.DataDir),
		zap.String("listen", cfg.BindAddr),
		zap.String("advertise", cfg.Advertise()),
		zap.String("admin", cfg.AdminAddr),
		zap.String("topic", cfg.Topic),
		zap.Int("bus_capacity", cfg.BusCapacity),
		zap.Int64("worker_id", cfg.WorkerID),
		zap.Strings("etcd", cfg.EtcdEndpoints),
		zap.String("dial", cfg.Dial))

	telemetry.SetBuildInfo(version, gitSHA)

	ident, err := gossip.NewIdentity()
	if err != nil {
		return err
	}

	tr, err := gossip.NewTCPTransport(ident, gossip.TCPConfig{
		BindAddr:      cfg.BindAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Timeout:       cfg.DialTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to bind gossip transport", zap.String("addr", cfg.BindAddr), zap.Error(err))
	}
	// the transport may have picked the port
	cfg.BindAddr = tr.LocalAddr()
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = tr.AdvertiseAddr()
	}
	defer tr.Close()

	var etcd *discovery.Etcd
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints, cfg.DialTimeout)
		if err != nil {
			return err
		}
		defer cli.Close()
		etcd = discovery.NewEtcd(cli, cfg.EtcdPrefix, ident.ID(), logger)
	}

	n, err := node.New(node.Deps{
		Config:    cfg,
		Identity:  ident,
		Transport: tr,
		Etcd:      etcd,
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("zephyrmesh node listening",
		zap.String("addr", cfg.BindAddr),
		zap.Stringer("peer", n.ID()),
		zap.String("version", version))
	if err := n.Run(ctx); err != nil {
		logger.Error("node stopped", zap.Error(err))
		return err
	}
	logger.Info("node stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// keep stdout for id and random reports
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".zephyrmesh")
}
