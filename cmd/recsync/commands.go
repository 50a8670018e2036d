package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/insightrecorder/recsync/internal/config"
	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/sync"
	"github.com/insightrecorder/recsync/internal/update"
)

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// SyncOptions holds parsed CLI options for the sync command.
type SyncOptions struct {
	DeviceIDs []string
	Quiet     bool
}

func parseSyncFlags(args []string) (SyncOptions, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	var devices stringList
	fs.Var(&devices, "device", "Device id to sync (repeatable)")
	quiet := fs.Bool("quiet", false, "Do not print progress")
	config.RegisterSyncFlags(fs)

	if err := fs.Parse(args); err != nil {
		return SyncOptions{}, nil, err
	}
	ids := append([]string(devices), fs.Args()...)
	if len(ids) == 0 {
		return SyncOptions{}, nil, errors.New(
			"at least one device is required\n" +
				"use -device ID or pass ids as arguments",
		)
	}
	return SyncOptions{DeviceIDs: ids, Quiet: *quiet}, fs, nil
}

func runSync(args []string) {
	opts, fs, err := parseSyncFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	cfg := mustLoad(fs)
	database := mustOpenDB(cfg)
	defer database.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	settings := config.NewSettingsStore(cfg)
	engine := sync.NewEngine(database, settings.Get,
		sync.WithLister(buildLister(cfg)))

	printer := Printer{Out: os.Stdout, Color: !color.NoColor}
	if !opts.Quiet {
		defer engine.OnProgress(printer.Progress)()
	}

	job, err := engine.RunSync(ctx, opts.DeviceIDs)
	if err != nil {
		log.Fatalf("sync: %v", err)
	}
	printer.Jobs([]db.SyncJob{*job})
	if job.Status == db.JobFailed {
		os.Exit(1)
	}
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", db.DefaultJobLimit, "Number of jobs to show")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg := mustLoad(nil)
	database := mustOpenDB(cfg)
	defer database.Close()

	jobs, err := database.ListJobs(context.Background(), *limit)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	Printer{Out: os.Stdout, Color: !color.NoColor}.Jobs(jobs)
}

func runDevices(args []string) {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg := mustLoad(nil)
	database := mustOpenDB(cfg)
	defer database.Close()

	ctx := context.Background()
	settings := config.NewSettingsStore(cfg)
	engine := sync.NewEngine(database, settings.Get,
		sync.WithLister(buildLister(cfg)))

	live, err := engine.RefreshDevices(ctx)
	if err != nil {
		log.Printf("warning: device scan: %v", err)
	}
	attached := make(map[string]bool, len(live))
	for _, d := range live {
		attached[d.ID] = true
	}

	devs, err := database.ListDevices(ctx)
	if err != nil {
		log.Fatalf("devices: %v", err)
	}
	Printer{Out: os.Stdout, Color: !color.NoColor}.Devices(devs, attached)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: recsync stats DEVICE_ID")
		os.Exit(1)
	}

	cfg := mustLoad(nil)
	database := mustOpenDB(cfg)
	defer database.Close()

	stats, err := database.GetDeviceStats(context.Background(), fs.Arg(0))
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	Printer{Out: os.Stdout}.Stats(stats)
}

func runUpdate(args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	force := fs.Bool("force", false, "Ignore the cached answer")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg := mustLoad(nil)
	checker := &update.Checker{CacheDir: cfg.DataDir}
	info, err := checker.Check(context.Background(), version, *force)
	if err != nil {
		log.Fatalf("update: %v", err)
	}
	printUpdate(os.Stdout, info)
}

func printUpdate(w io.Writer, info *update.Info) {
	if info == nil {
		fmt.Fprintf(w, "recsync %s is up to date.\n", version)
		return
	}
	if info.IsDevBuild {
		fmt.Fprintf(w, "Development build %s; latest release is %s.\n",
			info.CurrentVersion, info.LatestVersion)
	} else {
		fmt.Fprintf(w, "recsync %s is available (running %s).\n",
			info.LatestVersion, info.CurrentVersion)
	}
	if info.URL != "" {
		fmt.Fprintf(w, "Download: %s\n", info.URL)
	}
}
