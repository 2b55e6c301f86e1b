package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/beacon/internal/agent"
	"github.com/MrSnakeDoc/beacon/internal/app"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon - dynamic DNS registration for hosts",
	Long: `Beacon keeps an authoritative DNS zone in sync with the hosts that
announce themselves over a small TCP protocol.

Run "beacon serve" on the registration server and "beacon agent" on
every host that should get a record.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Beacon version %s\nCommit: %s\nBuilt: %s\nGo: %s\n",
		version.Version, version.Commit, version.BuildDate, version.GoVersion,
	))

	agentCmd.Flags().String("server", envOr("BEACON_AGENT_SERVER", "localhost:7070"), "registration server address (host:port)")
	agentCmd.Flags().String("hostname", envOr("BEACON_AGENT_HOSTNAME", ""), "hostname to register (default: os hostname)")
	agentCmd.Flags().String("ip", envOr("BEACON_AGENT_IP", ""), "IP address to report (default: local address of the connection)")
	agentCmd.Flags().Duration("interval", 30*time.Second, "heartbeat interval")
	agentCmd.Flags().String("log-level", envOr("BEACON_LOG_LEVEL", "info"), "debug | info | warn | error")
	agentCmd.Flags().Bool("pretty", false, "human readable logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registration server",
	Long: `Run the registration server: the TCP listener for agents, the DNS sync
workers and the admin HTTP API. Configuration comes from BEACON_* environment
variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return fmt.Errorf("beacon failed to start: %w", err)
		}
		return a.Run()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Register this host and keep it alive with heartbeats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		hostname, _ := cmd.Flags().GetString("hostname")
		ip, _ := cmd.Flags().GetString("ip")
		interval, _ := cmd.Flags().GetDuration("interval")
		level, _ := cmd.Flags().GetString("log-level")
		pretty, _ := cmd.Flags().GetBool("pretty")

		if hostname == "" {
			h, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("failed to read hostname: %w", err)
			}
			hostname = h
		}

		log := logger.New(level, pretty)
		defer func() { _ = log.Sync() }()

		a, err := agent.New(agent.Config{
			ServerAddr: server,
			Hostname:   hostname,
			IPAddress:  ip,
			Interval:   interval,
		}, log)
		if err != nil {
			return fmt.Errorf("invalid agent configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Beacon " + version.String())
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
