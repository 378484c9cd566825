// ms365calsync is a daemon that syncs Microsoft 365 (Graph) calendars into a
// local snapshot store and optionally publishes the current event of each
// calendar to Home Assistant.
//
// Usage:
//
//	ms365calsync daemon [--config <path>] [--verbose]   # start the polling loop
//	ms365calsync sync-once [--config ...]               # single sync pass then exit
//	ms365calsync calendars [--config ...]               # list remote calendars
//	ms365calsync status                                 # show config & store state
//	ms365calsync version                                # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ms365calsync/internal/config"
	"ms365calsync/internal/graph"
	"ms365calsync/internal/homeassistant"
	"ms365calsync/internal/store"
	syncp "ms365calsync/internal/sync"
	"ms365calsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "calendars":
		return runCalendars(os.Args[2:])
	case "status":
		return runStatus()
	case "version":
		fmt.Println("ms365calsync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'ms365calsync' for usage", cmd)
	}
}

// printUsage shows help and exits non-zero.
func printUsage() error {
	fmt.Fprintln(os.Stderr, "ms365calsync — sync Microsoft 365 calendars to a local store (and Home Assistant)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  ms365calsync daemon [--config ...]     Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  ms365calsync sync-once [--config ...]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  ms365calsync calendars [--config ...]  List remote calendars")
	fmt.Fprintln(os.Stderr, "  ms365calsync status                    Show config & store state")
	fmt.Fprintln(os.Stderr, "  ms365calsync version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	os.Exit(1)
	return nil // unreachable
}

// parseCommonFlags handles the --config / --verbose flags shared by most
// subcommands.
func parseCommonFlags(name string, args []string) (cfgPath string, verbose bool, err error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfg := fs.String("config", defaultCfg, "path to config.yaml")
	verb := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return "", false, err
	}
	return *cfg, *verb, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// runCalendars lists the account's calendars, mirroring what the config's
// calendar ids should reference.
func runCalendars(args []string) error {
	cfgPath, verbose, err := parseCommonFlags("calendars", args)
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	hc := graph.NewClientCredentialsClient(ctx, cfg.Graph.TenantID, cfg.Graph.ClientID, cfg.Graph.ClientSecret)
	svc := graph.NewService(hc, "", logger)

	calendars, err := svc.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("listing calendars: %w", err)
	}

	for _, cal := range calendars {
		editable := "read-only"
		if cal.CanEdit {
			editable = "editable"
		}
		fmt.Printf("  %-40s %s (%s)\n", cal.Name, cal.ID, editable)
	}
	return nil
}

// runStatus prints the current configuration and store state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	dbPath, _ := store.DefaultDBPath()

	fmt.Println("ms365calsync Status")
	fmt.Println("───────────────────")

	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:     %s ✓\n", cfgPath)
			fmt.Printf("  Calendars:  %d tracked\n", len(cfg.Calendars))
			fmt.Printf("  Interval:   %s\n", cfg.UpdateInterval)
			fmt.Printf("  Window:     %d…%+d days\n", cfg.DaysBackward, cfg.DaysForward)
			if cfg.HomeAssistant != nil {
				fmt.Printf("  HA URL:     %s\n", cfg.HomeAssistant.URL)
			}
			if cfg.StorePath != "" {
				dbPath = cfg.StorePath
			}
		} else {
			fmt.Printf("  Config:     %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:     not found (%s)\n", cfgPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Snapshots:  %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  Snapshots:  not found\n")
	}

	return nil
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	name := "sync-once"
	if daemon {
		name = "daemon"
	}
	cfgPath, verbose, err := parseCommonFlags(name, args)
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"calendars", len(cfg.Calendars),
		"update_interval", cfg.UpdateInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Snapshot store ------------------------------------------------------

	dbPath := cfg.StorePath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving snapshot store path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening snapshot store at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing snapshot store", "error", closeErr)
		}
	}()
	logger.Info("snapshot store opened", "path", dbPath)

	// --- Home Assistant adapter (optional) -----------------------------------

	var haAdapter *homeassistant.Adapter
	if cfg.HomeAssistant != nil {
		haAdapter, err = homeassistant.NewAdapter(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err != nil {
			return fmt.Errorf("initialising Home Assistant client: %w", err)
		}
		logger.Info("pinging Home Assistant…", "url", cfg.HomeAssistant.URL)
		if err := haAdapter.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to Home Assistant at %q: %w\n\nCheck home_assistant.url and home_assistant.token in your config file", cfg.HomeAssistant.URL, err)
		}
		logger.Info("Home Assistant reachable")
	}

	// --- Per-calendar coordinators -------------------------------------------

	hc := graph.NewClientCredentialsClient(ctx, cfg.Graph.TenantID, cfg.Graph.ClientID, cfg.Graph.ClientSecret)

	var coordinators []*syncp.Coordinator
	for i := range cfg.Calendars {
		cal := &cfg.Calendars[i]

		svc := graph.NewService(hc, cal.ID, logger,
			graph.WithSearch(cal.Search),
			graph.WithSensitivityExclude(cal.SensitivityExcludeValues()),
		)

		if err := svc.InitCalendar(ctx); err != nil {
			var initErr *graph.InitError
			if errors.As(err, &initErr) {
				// Permanent rejection — drop this calendar rather than poll
				// it forever.
				logger.Warn("skipping calendar", "calendar", cal.Name, "error", err)
				continue
			}
			logger.Warn("calendar init failed, will retry on sync", "calendar", cal.Name, "error", err)
		}

		manager := syncp.NewSyncManager(svc, cal.ID, st, cal.ExcludePatterns(), logger)

		var opts []syncp.CoordinatorOption
		if haAdapter != nil && cal.HAEntityID != "" {
			opts = append(opts, syncp.WithPublisher(haAdapter, cal.HAEntityID))
		}

		coordinators = append(coordinators, syncp.NewCoordinator(manager, syncp.CoordinatorConfig{
			Name:           cal.Name,
			UpdateInterval: cfg.UpdateInterval,
			DaysBackward:   cfg.DaysBackward,
			DaysForward:    cfg.DaysForward,
			HoursBackward:  cal.HoursBackward,
			HoursForward:   cal.HoursForward,
		}, logger, opts...))
	}
	if len(coordinators) == 0 {
		return fmt.Errorf("no usable calendars configured")
	}

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		logger.Info("running single sync pass")
		var firstErr error
		for _, c := range coordinators {
			if err := c.Refresh(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	logger.Info("daemon starting", "update_interval", cfg.UpdateInterval, "calendars", len(coordinators))
	var wg sync.WaitGroup
	for _, c := range coordinators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("coordinator stopped", "error", err)
			}
		}()
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
