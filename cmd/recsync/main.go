package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/insightrecorder/recsync/internal/config"
	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/device"
	"github.com/insightrecorder/recsync/internal/server"
	"github.com/insightrecorder/recsync/internal/sync"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "sync":
			runSync(os.Args[2:])
			return
		case "history":
			runHistory(os.Args[2:])
			return
		case "devices":
			runDevices(os.Args[2:])
			return
		case "stats":
			runStats(os.Args[2:])
			return
		case "reconcile":
			runReconcile(os.Args[2:])
			return
		case "update":
			runUpdate(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("recsync %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`recsync %s - copy recordings off removable devices

Detects attached recorders, copies new audio files into an export
directory and keeps a ledger of every file it has already copied.

Usage:
  recsync [flags]               Start the server (default command)
  recsync serve [flags]         Start the server (explicit)
  recsync sync -device ID ...   Run one sync job in the foreground
  recsync history [-limit N]    Show recent sync jobs
  recsync devices               List known and attached devices
  recsync stats ID              Show ledger totals for a device
  recsync reconcile [flags]     Close jobs left RUNNING by a crash
  recsync update [-force]       Check for a newer release
  recsync version               Show version information
  recsync help                  Show this help

Server flags:
  -host string          Host to bind to (default "127.0.0.1")
  -port int             Port to listen on (default 8090)
  -export-root string   Directory copied recordings are written under

Reconcile flags:
  -older-than duration  Only jobs started this long ago (default 1h)
  -dry-run              Show what would change without writing
  -yes                  Skip confirmation prompt

Environment variables:
  RECSYNC_DATA_DIR        Data directory (database, config, log)
  RECSYNC_EXPORT_ROOT     Export directory
  RECSYNC_MOUNT_ROOTS     Directories where volumes are mounted
  RECSYNC_DEVICE_COMMAND  Command printing lsblk-style JSON

Data is stored in ~/.recsync/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	setupLogFile(cfg.DataDir)
	database := mustOpenDB(cfg)
	defer database.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	settings := config.NewSettingsStore(cfg)
	engine := sync.NewEngine(database, settings.Get,
		sync.WithLister(buildLister(cfg)))

	if devs, err := engine.RefreshDevices(ctx); err != nil {
		log.Printf("warning: initial device scan: %v", err)
	} else {
		fmt.Printf("%d device(s) attached\n", len(devs))
	}

	stopWatcher := startDeviceWatcher(ctx, cfg, engine)
	defer stopWatcher()

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, database, engine,
		server.WithSettingsStore(settings),
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)
	fmt.Printf("recsync %s listening at %s\n", version, srv.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("recsync", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: recsync [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}
	return mustLoad(fs)
}

// mustLoad loads the layered config and makes sure the data
// directory exists.
func mustLoad(fs *flag.FlagSet) config.Config {
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return database
}

// buildLister combines the configured discovery sources. The
// device command, when set, is consulted before the mount roots.
func buildLister(cfg config.Config) device.Lister {
	var listers device.MultiLister
	if cfg.DeviceListCommand != "" {
		listers = append(listers,
			device.NewCommandLister(cfg.DeviceListCommand))
	}
	listers = append(listers,
		device.MountRootLister{Roots: cfg.MountRoots})
	return listers
}

func startDeviceWatcher(
	ctx context.Context, cfg config.Config, engine *sync.Engine,
) func() {
	onEvents := func(events []device.Event) {
		for _, id := range engine.HandleDeviceEvents(ctx, events) {
			log.Printf("auto-sync job %s started", id)
		}
	}
	watcher, err := device.NewWatcher(cfg.WatchDebounce, onEvents)
	if err != nil {
		log.Printf("warning: device watcher unavailable: %v", err)
		return func() {}
	}
	if n := watcher.WatchRoots(cfg.MountRoots); n == 0 {
		log.Printf("warning: no mount roots to watch in %v",
			cfg.MountRoots)
	}
	watcher.Start()
	return watcher.Stop
}
