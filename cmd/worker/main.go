package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/chimerapy/engine/config"
	"github.com/chimerapy/engine/logger"
	"github.com/chimerapy/engine/node"
	"github.com/chimerapy/engine/version"
	"github.com/chimerapy/engine/worker"
)

// main dispatches to the isolated-node-process bootstrap before
// touching cobra, the same branch point the source's multiprocessing
// worker binary makes before its normal CLI parsing.
func main() {
	if worker.IsNodeExec(os.Args) {
		runNodeExec()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNodeExec() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() { <-sigCh; cancel() }()

	if err := worker.RunNodeExec(ctx, os.Args, node.BuildFromRegistry); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagHost            string
	flagAdvertiseHost   string
	flagPort            int
	flagManagerHost     string
	flagManagerPort     int
	flagDataDir         string
	flagProtocolVersion string
)

var rootCmd = &cobra.Command{
	Use:   "chimerapy-worker",
	Short: "Start a chimerapy Worker daemon",
	Long:  `Run a chimerapy Worker: registers with a Manager, then creates, connects, and drives whatever nodes the Manager places on this host.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "bind host (overrides config)")
	rootCmd.Flags().StringVar(&flagAdvertiseHost, "advertise-host", "", "routable host advertised to the manager and nodes (defaults to 127.0.0.1)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "bind port, 0 picks any free port (overrides config)")
	rootCmd.Flags().StringVar(&flagManagerHost, "manager-host", "", "manager host to register with (overrides config)")
	rootCmd.Flags().IntVar(&flagManagerPort, "manager-port", 0, "manager port (overrides config)")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "base directory for node output and staged archives (overrides config)")
	rootCmd.Flags().StringVar(&flagProtocolVersion, "protocol-version", "", "semver protocol version advertised at registration (overrides config)")

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

func runWorker(cmd *cobra.Command, args []string) error {
	if err := logger.Initialize(false); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := firstNonEmpty(flagHost, cfg.Worker.Host, "0.0.0.0")
	managerHost := firstNonEmpty(flagManagerHost, cfg.Worker.ManagerHost, "127.0.0.1")
	managerPort := cfg.Worker.ManagerPort
	if flagManagerPort != 0 {
		managerPort = flagManagerPort
	}
	dataDir := firstNonEmpty(flagDataDir, cfg.Worker.StagingDir, "chimerapy-data")
	protocolVersion := firstNonEmpty(flagProtocolVersion, cfg.Worker.ProtocolVersion, "1.0.0")

	port := cfg.Worker.Port
	if flagPort != 0 {
		port = flagPort
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("binding worker listener: %w", err)
	}
	advertiseHost := firstNonEmpty(flagAdvertiseHost, "127.0.0.1")
	selfAddr := fmt.Sprintf("%s:%d", advertiseHost, tcpPort(ln))

	workerID := uuid.NewString()
	outputDir := filepath.Join(dataDir, "output")
	stagingDir := filepath.Join(dataDir, "staging")

	archiveLimit := rate.Limit(cfg.Worker.ArchiveRateLimit)
	if cfg.Worker.ArchiveRateLimit <= 0 {
		archiveLimit = rate.Inf
	}
	archiver := worker.NewArchiver(outputDir, stagingDir, rate.NewLimiter(archiveLimit, 1))

	handler := worker.NewNodeHandler(workerID, selfAddr, stagingDir, node.BuildFromRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.Run(ctx)
	defer handler.Stop()

	managerAddr := fmt.Sprintf("%s:%d", managerHost, managerPort)
	srv := worker.NewServer(workerID, selfAddr, "http://"+managerAddr, stagingDir, handler, archiver)

	link, err := worker.DialManager(ctx, managerAddr, workerID, advertiseHost, tcpPort(ln), protocolVersion)
	if err != nil {
		return fmt.Errorf("registering with manager at %s: %w", managerAddr, err)
	}
	handler.OnNodeState = link.ReportNodeState

	printWorkerBanner(workerID, selfAddr, managerAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("worker server exited: %w", err)
	case <-sigCh:
		pterm.Info.Println("shutting down worker...")
		cancel()
		return <-errCh
	}
}

func tcpPort(ln net.Listener) int {
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

func printWorkerBanner(workerID, selfAddr, managerAddr string) {
	info := version.Get()
	pterm.Println(pterm.Cyan("chimerapy worker ") + pterm.Gray(info.Version))
	pterm.Info.Printf("id:      %s\n", workerID)
	pterm.Info.Printf("address: %s\n", selfAddr)
	pterm.Info.Printf("manager: %s\n", managerAddr)
	pterm.Info.Println("press Ctrl+C to stop")
}
