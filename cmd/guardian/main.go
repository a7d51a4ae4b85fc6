// Package main is the CLI entry point for the guardian agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/YasinmkDev/IPE-Project-app/internal/daemon"
	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
	"github.com/YasinmkDev/IPE-Project-app/internal/infra"
	"github.com/YasinmkDev/IPE-Project-app/internal/policy"
	"github.com/YasinmkDev/IPE-Project-app/internal/security"
	"github.com/YasinmkDev/IPE-Project-app/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian agent - enforces parental restrictions on this device",
	Long: `guardian is a background agent that enforces the restriction policy a
parent configured for this device: blocked apps, blocked websites, daily
screen time, and tamper protection.

Pair the device once with 'guardian link', then 'guardian start' keeps
enforcement running across reboots.`,
	Version: Version,
}

var linkCmd = &cobra.Command{
	Use:   "link CODE",
	Short: "Pair this device using a parent-issued pairing code",
	Long: `Resolves the pairing code against the family account. By itself this
only previews which child the code belongs to; pass --confirm to commit
the pairing, upload the app inventory, and start enforcement.`,
	Args: cobra.ExactArgs(1),
	RunE: runLink,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start enforcement for the already-paired child",
	Long: `Starts the background monitor using the child pairing stored on this
device. Used at boot; fails if the device was never linked.`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitor status, blocked apps, and recent incidents",
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload the installed-app inventory to the family account",
	RunE:  runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden monitor command - used for self-exec when spawning the monitor
var monitorCmd = &cobra.Command{
	Use:    "monitor",
	Hidden: true,
	RunE:   runMonitor,
}

var (
	configPath     string
	linkConfirm    bool
	monitorChildID string
	jsonOutput     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config override")
	linkCmd.Flags().BoolVar(&linkConfirm, "confirm", false, "Commit the pairing and start enforcement")
	monitorCmd.Flags().StringVar(&monitorChildID, "child-id", "", "Child identifier to enforce for")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(monitorCmd)
}

func runLink(cmd *cobra.Command, args []string) error {
	code := args[0]

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	profiles, err := policy.Load()
	if err != nil {
		return fmt.Errorf("failed to load profile table: %w", err)
	}
	client := infra.NewHTTPPolicyClient(cfg.StoreBaseURL, profiles, logger)

	ctx := context.Background()
	link, err := client.ResolvePairingCode(ctx, code)
	if err != nil {
		if err == domain.ErrCodeNotFound {
			return fmt.Errorf("pairing code %q not recognized", code)
		}
		return fmt.Errorf("failed to resolve pairing code: %w", err)
	}

	fmt.Printf("Pairing code resolves to child %s (parent %s)\n", link.ChildID, link.ParentID)

	if !linkConfirm {
		fmt.Println("\nRun again with --confirm to pair this device.")
		return nil
	}

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetChildID(link.ChildID); err != nil {
		return fmt.Errorf("failed to persist pairing: %w", err)
	}
	if err := client.MarkDeviceLinked(ctx, link.ChildID, link.ParentID); err != nil {
		return fmt.Errorf("failed to mark device linked: %w", err)
	}
	fmt.Println("Device paired.")

	// Best-effort inventory upload; the monitor repeats it at start.
	bridge := infra.NewSocketDeviceBridge(infra.NewBridgeClient(cfg.CmdSocketPath, logger), logger)
	if apps, err := bridge.InstalledApps(); err == nil {
		if err := client.UploadInstalledApps(ctx, link.ChildID, apps); err != nil {
			fmt.Printf("Warning: inventory upload failed: %v\n", err)
		} else {
			fmt.Printf("Uploaded %d installed apps.\n", len(apps))
		}
	} else {
		fmt.Printf("Warning: could not enumerate installed apps: %v\n", err)
	}

	if err := daemon.StartMonitor(link.ChildID, configPath); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	fmt.Println("Enforcement started.")
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	registry := infra.NewFileRegistry()
	if alive, _ := registry.IsAlive(); alive {
		fmt.Println("guardian is already running")
		return nil
	}

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	childID, err := store.ChildID()
	store.Close()
	if err != nil {
		return fmt.Errorf("failed to read pairing: %w", err)
	}
	if childID == "" {
		return fmt.Errorf("device is not paired; run 'guardian link CODE' first")
	}

	if err := daemon.StartMonitor(childID, configPath); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	// Give the monitor a moment to register.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("Enforcement started.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	registry := infra.NewFileRegistry()

	fmt.Println("\n=== guardian Status ===")

	state, err := registry.Get()
	if err != nil || state == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'guardian start' to enable enforcement.")
		return nil
	}

	alive, _ := registry.IsAlive()
	if alive {
		fmt.Println("Status: RUNNING")
	} else {
		fmt.Println("Status: NOT RUNNING (stale registration)")
	}
	fmt.Printf("Child: %s\n", state.ChildID)
	if state.AppVersion != "" {
		fmt.Printf("Version: %s\n", state.AppVersion)
	}
	if state.LastHeartbeat > 0 {
		lastBeat := time.Unix(state.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if blocked, err := store.BlockedApps(); err == nil && len(blocked) > 0 {
		// Display names come from the platform bridge; with the bridge down
		// AppLabel falls back to the identifier.
		bridge := infra.NewSocketDeviceBridge(infra.NewBridgeClient(cfg.CmdSocketPath, zap.NewNop()), zap.NewNop())
		fmt.Println("\nBlocked applications:")
		for _, pkg := range blocked {
			if label := bridge.AppLabel(pkg); label != pkg {
				fmt.Printf("  - %s (%s)\n", label, pkg)
			} else {
				fmt.Printf("  - %s\n", pkg)
			}
		}
	}

	if incidents, err := store.RecentIncidents(5); err == nil && len(incidents) > 0 {
		fmt.Println("\nRecent security incidents:")
		for _, inc := range incidents {
			fmt.Printf("  %s  %s\n", inc.Timestamp.Format(time.RFC3339), describeIncident(inc))
		}
	}

	fmt.Println("=======================")
	return nil
}

func describeIncident(inc domain.SecurityIncident) string {
	v := inc.Verdict
	switch {
	case v.Rooted:
		return "device rooted"
	case v.DebuggerAttached:
		return "debugger attached"
	case v.InvalidSignature:
		return "binary signature mismatch"
	case v.USBDebuggingEnabled:
		return "USB debugging enabled"
	default:
		return "tamper signals detected"
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	childID, err := store.ChildID()
	store.Close()
	if err != nil {
		return fmt.Errorf("failed to read pairing: %w", err)
	}
	if childID == "" {
		return fmt.Errorf("device is not paired; run 'guardian link CODE' first")
	}

	profiles, err := policy.Load()
	if err != nil {
		return fmt.Errorf("failed to load profile table: %w", err)
	}
	client := infra.NewHTTPPolicyClient(cfg.StoreBaseURL, profiles, logger)
	bridge := infra.NewSocketDeviceBridge(infra.NewBridgeClient(cfg.CmdSocketPath, logger), logger)

	apps, err := bridge.InstalledApps()
	if err != nil {
		return fmt.Errorf("failed to enumerate installed apps: %w", err)
	}
	if err := client.UploadInstalledApps(context.Background(), childID, apps); err != nil {
		return fmt.Errorf("failed to upload inventory: %w", err)
	}

	fmt.Printf("Uploaded %d installed apps.\n", len(apps))
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorChildID == "" {
		return fmt.Errorf("--child-id is required")
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	profiles, err := policy.Load()
	if err != nil {
		logger.Error("failed to load profile table", zap.Error(err))
		return err
	}

	store, err := openStateStore(cfg)
	if err != nil {
		logger.Error("failed to open state store", zap.Error(err))
		return err
	}
	defer store.Close()

	bridgeClient := infra.NewBridgeClient(cfg.CmdSocketPath, logger)
	bridge := infra.NewSocketDeviceBridge(bridgeClient, logger)
	presenter := infra.NewBridgePresenter(bridgeClient, logger)
	admin := infra.NewDeviceAdminController(bridge, store, logger)
	client := infra.NewHTTPPolicyClient(cfg.StoreBaseURL, profiles, logger)
	registry := infra.NewFileRegistry()

	expectedSum, err := store.BinaryChecksum()
	if err != nil {
		logger.Warn("failed to read binary checksum, signature check disabled", zap.Error(err))
	}
	checker := security.NewChecker(expectedSum, logger)

	feed, err := infra.NewSocketFeed(cfg.FeedSocketPath, logger)
	if err != nil {
		logger.Error("failed to open observation feed", zap.Error(err))
		return err
	}

	engine := usecase.NewEngine(
		cfg.SelfPackage,
		cfg.SelfLabel,
		profiles,
		presenter,
		admin,
		store,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	monitor := daemon.NewMonitor(
		cfg,
		engine,
		feed,
		checker,
		registry,
		client,
		admin,
		bridge,
		Version,
		logger,
	)
	return monitor.Run(ctx, monitorChildID)
}

func openStateStore(cfg daemon.Config) (*infra.EncryptedStateStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := keyProvider.EnsureKey()
	if err != nil {
		return nil, fmt.Errorf("failed to prepare store key: %w", err)
	}
	store, err := infra.NewEncryptedStateStore(cfg.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

func createLogger(cfg daemon.Config) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{cfg.LogPath}
	config.ErrorOutputPaths = []string{cfg.LogPath}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("guardian %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
