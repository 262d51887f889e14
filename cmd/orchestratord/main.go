package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flywheel-sh/orchestratord/internal/app"
	"github.com/flywheel-sh/orchestratord/internal/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "orchestratord - a two-level resource-offer orchestrator",
	Long: `orchestratord schedules container workloads onto a fleet of agents
using resource offers accepted or declined by a single elected leader,
in the style of a Mesos framework scheduler paired with a Marathon-like
deployment controller.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestratord version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs instead of console output")

	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("node-id", "", "Unique ID for this node (required)")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Raft transport bind address")
	runCmd.Flags().String("data-dir", "/var/lib/orchestratord", "Directory for durable storage")
	runCmd.Flags().String("offer-bus-addr", "127.0.0.1:7001", "gRPC address of the offer-bus endpoint")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Bind address for the /metrics and /health endpoints")
	runCmd.Flags().Bool("bootstrap", false, "Form a new single-node cluster on startup")
	_ = runCmd.MarkFlagRequired("node-id")

	rootCmd.AddCommand(runCmd, versionCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestratord version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node as part of an orchestratord cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		offerBusAddr, _ := cmd.Flags().GetString("offer-bus-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")

		lg := log.WithComponent("main")

		node, err := app.New(app.Config{
			NodeID:          nodeID,
			BindAddr:        bindAddr,
			DataDir:         dataDir,
			OfferBusAddr:    offerBusAddr,
			DefaultDialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		})
		if err != nil {
			return fmt.Errorf("failed to construct node: %w", err)
		}

		if bootstrap {
			if err := node.Bootstrap(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			lg.Info().Msg("cluster bootstrapped")
		}

		errCh := make(chan error, 1)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
				if node.Election().IsLeader() || node.Election().LeaderAddr() != "" {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ready"))
					return
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("no leader elected"))
			})
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		lg.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

		lg.Info().
			Str("node_id", nodeID).
			Str("bind_addr", bindAddr).
			Str("data_dir", dataDir).
			Msg("orchestratord node started, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			lg.Info().Msg("shutdown signal received")
		case err := <-errCh:
			lg.Error().Err(err).Msg("fatal error, shutting down")
		}

		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}

		lg.Info().Msg("shutdown complete")
		return nil
	},
}
