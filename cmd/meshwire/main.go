package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/meshwire/meshwire/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "meshwire",
		Short:        "Client for the management server control protocol",
		Long:         "Drive remote terminals, file transfers, and server events over the management server's websocket control protocol.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("url", "", "server url (wss://host), or set MESHWIRE_URL")
	rootCmd.PersistentFlags().String("user", "", "login name, or set MESHWIRE_USER")
	rootCmd.PersistentFlags().String("password", "", "login password, or set MESHWIRE_PASS")
	rootCmd.PersistentFlags().String("loginkey", "", "pre-issued login key, or set MESHWIRE_LOGINKEY")
	rootCmd.PersistentFlags().String("token", "", "second-factor token, or set MESHWIRE_TOKEN")
	rootCmd.PersistentFlags().String("proxy", "", "HTTP proxy url for all connections")
	rootCmd.PersistentFlags().Bool("insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or MESHWIRE_METRICS_ADDR is set. Returns nil if metrics
// are disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("MESHWIRE_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
