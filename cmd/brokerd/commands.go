package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/daemon"
	"github.com/packline/brokerd/internal/domain"
	"github.com/packline/brokerd/internal/infra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the published broker endpoint",
	Long: `Reads the endpoint file written by a running 'brokerd run' and checks
that the owning process is alive and the port accepts connections.`,
	RunE: runStatus,
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List candidate bind addresses in priority order",
	RunE:  runAdapters,
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Inspect or free a TCP port",
}

var portCheckCmd = &cobra.Command{
	Use:   "check <port>",
	Short: "Show whether a port is in use and which processes hold it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPortCheck,
}

var portReleaseCmd = &cobra.Command{
	Use:   "release <port>",
	Short: "Terminate the processes holding a port",
	Long: `Terminates every process holding the port, gracefully first and then by
force. Without --yes only lists what would be terminated.`,
	Args: cobra.ExactArgs(1),
	RunE: runPortRelease,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent broker status changes from the journal",
	RunE:  runHistory,
}

var (
	verbose      bool
	probeOnly    bool
	checkAddress string
	confirmed    bool
	historyLimit int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log diagnostics to stderr")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	adaptersCmd.Flags().BoolVar(&probeOnly, "probe", false, "Ping each candidate and show reachability")
	portCheckCmd.Flags().StringVar(&checkAddress, "address", domain.LoopbackAddress, "Address to probe")
	portReleaseCmd.Flags().BoolVar(&confirmed, "yes", false, "Actually terminate the holders")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")

	portCmd.AddCommand(portCheckCmd)
	portCmd.AddCommand(portReleaseCmd)
}

func cliLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ep, err := infra.NewEndpointFile(cfg.Endpoint.Path).Get()
	if err != nil {
		return fmt.Errorf("failed to read endpoint file: %w", err)
	}

	alive, reachable := false, false
	if ep != nil {
		alive = infra.IsRunning(ep.PID)
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Probe.ConnectTimeout+time.Second)
		defer cancel()
		reachable = infra.NewDialProber(cfg.Probe.ConnectTimeout).Dial(ctx, ep.Address, ep.Port) == nil
	}

	if jsonOutput {
		out := struct {
			Endpoint  *domain.Endpoint `json:"endpoint"`
			Alive     bool             `json:"alive"`
			Reachable bool             `json:"reachable"`
		}{ep, alive, reachable}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Println("\n=== brokerd Status ===")
	if ep == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'brokerd run' to start the broker.")
		return nil
	}

	switch {
	case alive && reachable:
		fmt.Println("Status: RUNNING")
	case alive:
		fmt.Println("Status: DEGRADED (process alive, port not accepting connections)")
	default:
		fmt.Println("Status: STALE (owning process is gone)")
	}
	fmt.Printf("Endpoint: %s\n", netAddr(ep.Address, ep.Port))
	fmt.Printf("PID: %d\n", ep.PID)
	if ep.UpdatedAt > 0 {
		fmt.Printf("Since: %s ago\n", time.Since(time.Unix(ep.UpdatedAt, 0)).Round(time.Second))
	}
	fmt.Println("======================")
	return nil
}

func runAdapters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	selector := daemon.NewSelector(cfg, logger, daemon.Deps{})
	candidates := selector.Candidates(cmd.Context())

	var prober domain.Prober
	if probeOnly {
		prober = infra.NewPingProber(runtime.GOOS, infra.ExecRunner{}, cfg.Probe.PingTimeout)
	}

	t := newTable()
	header := table.Row{"#", "Address", "Interface", "Kind", "Priority"}
	if prober != nil {
		header = append(header, "Reachable")
	}
	t.AppendHeader(header)
	for i, c := range candidates {
		row := table.Row{i + 1, c.Address, c.InterfaceName, c.Kind, c.Priority}
		if prober != nil {
			row = append(row, prober.Reachable(cmd.Context(), c.Address))
		}
		t.AppendRow(row)
	}
	t.Render()

	if cfg.Broker.BindAddress != "" {
		fmt.Printf("broker.bind_address is set: %s will be used regardless\n", cfg.Broker.BindAddress)
	}
	if len(candidates) == 0 {
		fmt.Printf("No candidates; the broker would bind %s\n", domain.LoopbackAddress)
	}
	return nil
}

func runPortCheck(cmd *cobra.Command, args []string) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	resolver := daemon.NewResolver(cfg, logger, daemon.Deps{})
	inUse := resolver.IsPortInUse(cmd.Context(), checkAddress, port)
	fmt.Printf("%s: ", netAddr(checkAddress, port))
	if !inUse {
		fmt.Println("free")
		return nil
	}
	fmt.Println("in use")
	return printHolders(cmd.Context(), port, logger)
}

func runPortRelease(cmd *cobra.Command, args []string) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	if !confirmed {
		if err := printHolders(cmd.Context(), port, logger); err != nil {
			return err
		}
		fmt.Println("\nRe-run with --yes to terminate these processes.")
		return nil
	}

	resolver := daemon.NewResolver(cfg, logger, daemon.Deps{})
	if !resolver.ReleasePort(cmd.Context(), port) {
		return fmt.Errorf("port %d was not released (run with -v for details)", port)
	}
	fmt.Printf("Port %d released\n", port)
	return nil
}

func printHolders(ctx context.Context, port int, logger *zap.Logger) error {
	inspector := infra.NewProcessInspector(runtime.GOOS, infra.ExecRunner{}, logger)
	pids, err := inspector.ListProcessIDsOnPort(ctx, port)
	if err != nil {
		return fmt.Errorf("failed to list processes on port %d: %w", port, err)
	}
	if len(pids) == 0 {
		fmt.Println("No owning process found (it may belong to another user)")
		return nil
	}

	t := newTable()
	t.AppendHeader(table.Row{"PID", "Name"})
	for _, pid := range pids {
		t.AppendRow(table.Row{pid, inspector.ProcessName(ctx, pid)})
	}
	t.Render()
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	journal, err := infra.OpenJournal(cfg.Journal.Dir)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	entries, err := journal.Recent(historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No status changes recorded.")
		return nil
	}

	t := newTable()
	t.AppendHeader(table.Row{"Time", "From", "To", "Endpoint"})
	for _, e := range entries {
		endpoint := ""
		if e.New == domain.StateRunning {
			endpoint = netAddr(e.Address, e.Port)
		}
		t.AppendRow(table.Row{e.Recorded.Format(time.DateTime), e.Old, e.New, endpoint})
	}
	t.Render()
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func netAddr(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}
