package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/dbtest"
	"github.com/insightrecorder/recsync/internal/sync"
)

func TestPrinterJobs(t *testing.T) {
	var buf bytes.Buffer
	Printer{Out: &buf}.Jobs([]db.SyncJob{
		{
			ID:        "job-2",
			Status:    db.JobFailed,
			DeviceIDs: []string{"rec-1", "rec-2"},
			Error:     dbtest.Ptr("export root not configured"),
			StartedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.Local),
		},
		{
			ID:        "job-1",
			Status:    db.JobSucceeded,
			DeviceIDs: []string{"rec-1"},
			StartedAt: time.Date(2024, 5, 31, 9, 0, 0, 0, time.Local),
			JobCounts: db.JobCounts{Total: 3, Copied: 2, Skipped: 1},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "job-2  FAILED")
	assert.Contains(t, out, "devices: rec-1, rec-2")
	assert.Contains(t, out, "error: export root not configured")
	assert.Contains(t, out, "copied 2  skipped 1  failed 0  of 3")
	assert.NotContains(t, out, "\x1b[", "plain output has no escapes")
	assert.Less(t, strings.Index(out, "job-2"), strings.Index(out, "job-1"))
}

func TestPrinterJobsEmpty(t *testing.T) {
	var buf bytes.Buffer
	Printer{Out: &buf}.Jobs(nil)
	assert.Equal(t, "No sync jobs recorded.\n", buf.String())
}

func TestPrinterDevices(t *testing.T) {
	var buf bytes.Buffer
	synced := time.Date(2024, 6, 1, 8, 30, 0, 0, time.Local)
	Printer{Out: &buf}.Devices([]db.Device{
		{ID: "rec-1", Label: "ZOOM", Type: db.DeviceRecorder, AutoSync: true, LastSyncAt: &synced},
		{ID: "usb-9", Label: "STICK", Type: db.DeviceGeneric},
	}, map[string]bool{"rec-1": true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if assert.Len(t, lines, 2) {
		assert.True(t, strings.HasPrefix(lines[0], "* rec-1"), lines[0])
		assert.Contains(t, lines[0], "auto")
		assert.Contains(t, lines[0], "2024-06-01 08:30")
		assert.True(t, strings.HasPrefix(lines[1], "  usb-9"), lines[1])
		assert.Contains(t, lines[1], "manual")
		assert.Contains(t, lines[1], "last sync never")
	}
}

func TestPrinterStats(t *testing.T) {
	var buf bytes.Buffer
	Printer{Out: &buf}.Stats(db.DeviceStats{
		DeviceID: "rec-1", FileCount: 4, SyncedCount: 7,
	})
	out := buf.String()
	assert.Contains(t, out, "Files known:  4")
	assert.Contains(t, out, "Files copied: 7")
	assert.Contains(t, out, "Last sync:    never")
}

func TestPrinterProgress(t *testing.T) {
	var buf bytes.Buffer
	p := Printer{Out: &buf}
	p.Progress(sync.Progress{
		Stage: sync.StageCopied, SuccessCount: 1, SkipCount: 1, Total: 4,
	})
	p.Progress(sync.Progress{Stage: sync.StageDone})

	assert.Equal(t,
		"\r 50.0%  copied 1  skipped 1  failed 0  of 4\n",
		buf.String())
}

func TestPrinterColor(t *testing.T) {
	orig := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = orig })

	assert.Equal(t, "RUNNING", Printer{}.status(db.JobRunning))

	p := Printer{Color: true}
	assert.True(t, strings.HasPrefix(p.status(db.JobSucceeded), "\x1b[32mSUCCEEDED"))
	assert.True(t, strings.HasPrefix(p.status(db.JobFailed), "\x1b[31mFAILED"))
}
