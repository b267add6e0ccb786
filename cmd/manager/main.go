package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chimerapy/engine/config"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/manager"
	"github.com/chimerapy/engine/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagHost            string
	flagPort            int
	flagDataDir         string
	flagProtocolRange   string
	flagGatherRateLimit float64
)

var rootCmd = &cobra.Command{
	Use:   "chimerapy-manager",
	Short: "Start the chimerapy Manager daemon",
	Long:  `Run the chimerapy Manager: the singleton coordinator workers register with, that commits a graph and drives the shared lifecycle across every worker's hosted nodes.`,
	RunE:  runManager,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "bind host (overrides config)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "bind port (overrides config)")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "base directory for aggregated artifact uploads (overrides config)")
	rootCmd.Flags().StringVar(&flagProtocolRange, "protocol-range", "", "semver constraint accepted from registering workers (overrides config)")
	rootCmd.Flags().Float64Var(&flagGatherRateLimit, "gather-rate-limit", 0, "gather fan-out requests/sec, 0 disables limiting (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Get().String())
		},
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func runManager(cmd *cobra.Command, args []string) error {
	if err := logger.Initialize(false); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := firstNonEmpty(flagHost, cfg.Manager.Host, "0.0.0.0")
	port := cfg.Manager.Port
	if flagPort != 0 {
		port = flagPort
	}
	dataDir := firstNonEmpty(flagDataDir, cfg.Manager.LogDir, "chimerapy-manager-data")
	protocolRange := firstNonEmpty(flagProtocolRange, cfg.Manager.ProtocolRange, "^1.0.0")
	gatherRateLimit := cfg.Manager.GatherRateLimit
	if flagGatherRateLimit != 0 {
		gatherRateLimit = flagGatherRateLimit
	}

	stagingDir := filepath.Join(dataDir, "staging")

	m, err := manager.NewManager(protocolRange, stagingDir, gatherRateLimit)
	if err != nil {
		return fmt.Errorf("building manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)
	defer m.Stop()

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding manager listener: %w", err)
	}

	srv := manager.NewServer(addr, m)
	printManagerBanner(ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("manager server exited: %w", err)
	case <-sigCh:
		pterm.Info.Println("shutting down manager...")
		cancel()
		return <-errCh
	}
}

func printManagerBanner(addr string) {
	info := version.Get()
	pterm.Println(pterm.Cyan("chimerapy manager ") + pterm.Gray(info.Version))
	pterm.Info.Printf("listening: %s\n", addr)
	pterm.Info.Println("press Ctrl+C to stop")
}
