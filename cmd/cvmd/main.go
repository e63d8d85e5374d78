// Package main is the reputation engine's node binary: it loads
// configuration, wires every core subsystem together and, for serve, keeps
// the process alive while the health logger reports metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cvm-reputation-engine/core"
)

func main() {
	var env string

	root := &cobra.Command{Use: "cvmd", Short: "CVM reputation and trust-verification engine"}
	root.PersistentFlags().StringVar(&env, "env", "", "environment config overlay (e.g. production)")

	root.AddCommand(serveCmd(&env))
	root.AddCommand(configCmd(&env))
	root.AddCommand(walletNewCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func configCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the resolved configuration and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := core.Load(*env)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("%+v\n", *cfg)
		},
	}
}

func walletNewCmd() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "wallet-new",
		Short: "generate a new HD wallet mnemonic and its first address",
		RunE: func(cmd *cobra.Command, args []string) error {
			wm := core.NewWalletManager()
			w, mnemonic, err := wm.Create(bits)
			if err != nil {
				return fmt.Errorf("create wallet: %w", err)
			}
			addr, err := w.NewAddress(0, 0)
			if err != nil {
				return fmt.Errorf("derive address: %w", err)
			}
			fmt.Printf("mnemonic: %s\naddress:  %s\n", mnemonic, addr.Hex())
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "entropy-bits", 256, "mnemonic entropy size in bits (128 or 256)")
	return cmd
}

func serveCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "wire up the reputation engine and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*env)
		},
	}
}

func serve(env string) error {
	cfg, err := core.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	db := core.NewInMemoryState()
	core.InitDatabase(db)
	core.InitFirewall()
	core.InitStakePenalty(core.NewStakePenaltyManager(logrus.StandardLogger(), db))

	auditTrailPath := cfg.Logging.File
	if auditTrailPath == "" {
		auditTrailPath = "cvm-audit.log"
	}
	if err := core.InitAuditManager(db, auditTrailPath); err != nil {
		return fmt.Errorf("init audit manager: %w", err)
	}
	core.InitZTChannels(db)

	core.InitTrustGraph(db, core.TrustGraphConfigFromApp())
	trust := core.CurrentTrustGraph()

	core.InitWalletClusterer(db, trust)
	cluster := core.CurrentWalletClusterer()

	clusterQuery := core.NewClusterTrustQuery(cluster, trust)

	core.InitEclipseGuard(db, trust, core.EligibilityConfigFromApp())
	guard := core.CurrentEclipseGuard()

	core.InitHATConsensus(db, trust, clusterQuery, guard)

	if err := core.InitAnomalyService(0.75); err != nil {
		return fmt.Errorf("init anomaly service: %w", err)
	}

	core.InitDegradationManager()

	dos := core.NewDoSProtection(cfg.DoS.BaseFee)
	core.InitDoSProtection(cfg.DoS.BaseFee)

	core.InitDispatcher(trust, cluster, dos, core.CurrentDegradationManager(), core.Anomaly())

	var node *core.Node
	if cfg.Network.Enabled {
		node, err = core.NewNode(core.NetworkConfigFromApp())
		if err != nil {
			return fmt.Errorf("start p2p node: %w", err)
		}
		defer node.Close()
		if len(cfg.Network.BootstrapPeers) > 0 {
			if err := node.DialSeed(cfg.Network.BootstrapPeers); err != nil {
				logrus.WithError(err).Warn("cvmd: dial bootstrap peers")
			}
		}
		go node.ListenAndServe()
	}

	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = "cvm-health.log"
	}
	health, err := core.NewHealthLogger(nil, core.CurrentDegradationManager(), core.Anomaly(), logPath)
	if err != nil {
		return fmt.Errorf("init health logger: %w", err)
	}
	defer health.Close()

	logrus.WithFields(logrus.Fields{
		"db_path":  cfg.Storage.DBPath,
		"base_fee": cfg.DoS.BaseFee,
	}).Info("cvmd: reputation engine initialised")

	metricsSrv, err := health.StartMetricsServer(":9464")
	if err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health.RunMetricsCollector(ctx, 30*time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return health.ShutdownMetricsServer(shutdownCtx, metricsSrv)
}
