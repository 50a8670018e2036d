package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/sync"
)

// Printer renders ledger records for the terminal. Color is off
// unless Color is set, so output written to a buffer stays plain.
type Printer struct {
	Out   io.Writer
	Color bool
}

func (p Printer) paint(attr color.Attribute, text string) string {
	if !p.Color {
		return text
	}
	return color.New(attr).Sprint(text)
}

func (p Printer) status(s db.JobStatus) string {
	switch s {
	case db.JobSucceeded:
		return p.paint(color.FgGreen, string(s))
	case db.JobFailed:
		return p.paint(color.FgRed, string(s))
	case db.JobCancelled:
		return p.paint(color.FgYellow, string(s))
	case db.JobRunning:
		return p.paint(color.FgCyan, string(s))
	}
	return string(s)
}

// Jobs writes one line per job, newest first as given.
func (p Printer) Jobs(jobs []db.SyncJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(p.Out, "No sync jobs recorded.")
		return
	}
	for _, j := range jobs {
		fmt.Fprintf(p.Out, "%s  %-9s  %s  copied %d  skipped %d  failed %d  of %d\n",
			j.ID, p.status(j.Status),
			j.StartedAt.Local().Format("2006-01-02 15:04:05"),
			j.Copied, j.Skipped, j.Failed, j.Total,
		)
		if len(j.DeviceIDs) > 0 {
			fmt.Fprintf(p.Out, "    devices: %s\n",
				strings.Join(j.DeviceIDs, ", "))
		}
		if j.Error != nil && *j.Error != "" {
			fmt.Fprintf(p.Out, "    error: %s\n",
				p.paint(color.FgRed, *j.Error))
		}
	}
}

// Devices writes the registry with an attached marker for
// devices currently visible.
func (p Printer) Devices(devs []db.Device, attached map[string]bool) {
	if len(devs) == 0 {
		fmt.Fprintln(p.Out, "No devices registered.")
		return
	}
	for _, d := range devs {
		mark := " "
		if attached[d.ID] {
			mark = p.paint(color.FgGreen, "*")
		}
		auto := "manual"
		if d.AutoSync {
			auto = "auto"
		}
		fmt.Fprintf(p.Out, "%s %-24s %-10s %-6s %s  last sync %s\n",
			mark, d.ID, d.Type, auto, d.Label, formatWhen(d.LastSyncAt))
	}
}

// Stats writes ledger totals for one device.
func (p Printer) Stats(s db.DeviceStats) {
	fmt.Fprintf(p.Out, "Device:       %s\n", s.DeviceID)
	fmt.Fprintf(p.Out, "Files known:  %d\n", s.FileCount)
	fmt.Fprintf(p.Out, "Files copied: %d\n", s.SyncedCount)
	fmt.Fprintf(p.Out, "Last sync:    %s\n", formatWhen(s.LastSyncAt))
}

// Progress rewrites a single status line for a running job.
func (p Printer) Progress(pr sync.Progress) {
	if pr.Stage == sync.StageDone {
		fmt.Fprintln(p.Out)
		return
	}
	fmt.Fprintf(p.Out, "\r%5.1f%%  copied %d  skipped %d  failed %d  of %d",
		pr.Percent(), pr.SuccessCount, pr.SkipCount,
		pr.FailCount, pr.Total)
}

func formatWhen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}
