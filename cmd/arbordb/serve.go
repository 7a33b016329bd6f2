package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dmontag/arbordb/pkg/cluster"
	"github.com/dmontag/arbordb/pkg/config"
	"github.com/dmontag/arbordb/pkg/ha"
	"github.com/dmontag/arbordb/pkg/kernel"
	"github.com/dmontag/arbordb/pkg/logging"
	"github.com/dmontag/arbordb/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve <store-dir>",
	Short: "Run a database node",
	Long: `Run a database node over the given store directory. Configuration comes
from flags, environment variables (ARBORDB_<flag>), or a YAML config file,
in that order of precedence.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.Int("machine-id", 0, "unique integer identifying this node in the cluster")
	flags.StringSlice("coordination-servers", nil, "addresses of the coordination service")
	flags.String("ha-server", "", "host:port this node's primary RPC listens on")
	flags.String("cluster-name", config.DefaultClusterName, "cluster name scoping coordination state")
	flags.Duration("pull-interval", 0, "background update pull interval (0 disables)")
	flags.Bool("allow-init-cluster", false, "permit bootstrapping a new cluster from an empty directory")
	flags.Bool("use-memory-mapped-buffers", true, "use memory-mapped store buffers")
	flags.Bool("keep-logical-logs", false, "retain rotated logical logs (forced on in HA mode)")
	flags.Bool("read-only", false, "open the store read-only")
	flags.Bool("backup-slave", false, "replicate but never stand for election")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "host:port to expose Prometheus metrics on (empty disables)")

	viper.SetEnvPrefix("ARBORDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(flags)
}

func loadServeConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Flags and environment override the file.
	if viper.IsSet("machine-id") && viper.GetInt("machine-id") != 0 {
		cfg.MachineID = viper.GetInt("machine-id")
	}
	if servers := viper.GetStringSlice("coordination-servers"); len(servers) > 0 {
		cfg.CoordinationServers = servers
	}
	if v := viper.GetString("ha-server"); v != "" {
		cfg.HAServer = v
	}
	if viper.IsSet("cluster-name") {
		cfg.ClusterName = viper.GetString("cluster-name")
	}
	if v := viper.GetDuration("pull-interval"); v > 0 {
		cfg.PullInterval = v
	}
	if viper.GetBool("allow-init-cluster") {
		cfg.AllowInitCluster = true
	}
	if viper.IsSet("use-memory-mapped-buffers") {
		useMmap := viper.GetBool("use-memory-mapped-buffers")
		cfg.UseMemoryMappedBuffers = &useMmap
	}
	if viper.GetBool("keep-logical-logs") {
		cfg.KeepLogicalLogs = true
	}
	if viper.GetBool("read-only") {
		cfg.ReadOnly = true
	}
	if viper.GetBool("backup-slave") {
		cfg.BackupSlave = true
	}
	if viper.IsSet("log-level") {
		cfg.LogLevel = viper.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := args[0]

	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.NewStoreLogger(dir, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer logCloser.Close()

	reg := metrics.NewRegistry()
	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint failed", logging.Error(err))
			}
		}()
		logger.Info("metrics endpoint up", logging.String("addr", addr))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if cfg.HAMode() {
		return runHA(dir, cfg, logger, reg, stop)
	}
	return runStandalone(dir, cfg, logger, reg, stop)
}

func runStandalone(dir string, cfg *config.Config, logger logging.Logger, reg *metrics.Registry, stop <-chan os.Signal) error {
	k, err := kernel.Open(dir, cfg, logger, reg)
	if err != nil {
		return err
	}
	logger.Info("node up", logging.Path(dir), logging.MachineID(cfg.MachineID))

	<-stop
	logger.Info("shutting down")
	return k.Shutdown(nil)
}

func runHA(dir string, cfg *config.Config, logger logging.Logger, reg *metrics.Registry, stop <-chan os.Signal) error {
	coord, err := dialCoordination(cfg)
	if err != nil {
		return err
	}

	s, err := ha.NewSupervisor(dir, cfg, ha.Options{
		Coordination: coord,
		Logger:       logger,
		Metrics:      reg,
		OnFatal: func(err error) {
			// The watchdog's contract: a wedged role transition kills the
			// process rather than serving with an undefined role.
			logger.Error("fatal failure", logging.Error(err))
			os.Exit(2)
		},
	})
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	logger.Info("node up", logging.Path(dir),
		logging.MachineID(cfg.MachineID),
		logging.String("role", s.Role().String()))

	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()
	for {
		select {
		case <-stop:
			logger.Info("shutting down")
			return s.Stop()
		case <-pruneTicker.C:
			if err := s.PruneLogs(); err != nil {
				logger.Warn("log pruning failed", logging.Error(err))
			}
		}
	}
}

// dialCoordination resolves the configured coordination service. The
// in-process store backs single-process clusters and development; real
// deployments link a driver implementing cluster.CoordinationStore against
// their coordination service and register it here.
func dialCoordination(cfg *config.Config) (cluster.CoordinationStore, error) {
	for _, addr := range cfg.CoordinationServers {
		if addr == "embedded" {
			return cluster.NewMemoryCoordination(), nil
		}
	}
	return nil, fmt.Errorf("no coordination driver for %v (only the embedded store ships with this binary)", cfg.CoordinationServers)
}
