package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/coordinator"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
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
	Use:   "irisd",
	Short: "Iris - distributed inference coordinator",
	Long: `Iris coordinates a network of volunteer LLM worker nodes: it accepts
inference requests, divides them into subtasks, picks workers by
capability and reputation, and streams the answers back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Iris version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringP("config", "c", "", "Path to config file (YAML)")
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Start the coordinator: the worker websocket endpoint, the client
REST API, and the monitoring endpoints, all on one listen address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %v", err)
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}

		log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
		metrics.SetVersion(Version)

		coord, err := coordinator.New(cfg)
		if err != nil {
			return err
		}
		if err := coord.Start(); err != nil {
			return err
		}

		fmt.Printf("Coordinator listening on %s. Press Ctrl+C to stop.\n", coord.Addr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return coord.Shutdown(ctx)
	},
}
