package sync

import (
	"context"
	"log"
	"path/filepath"

	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/device"
)

// HandleDeviceEvents registers newly attached devices and starts
// a job for each one that is a recorder with auto-sync on. A
// device already covered by a running job is left alone. It
// returns the ids of the jobs started.
func (e *Engine) HandleDeviceEvents(
	ctx context.Context, events []device.Event,
) []string {
	var added []device.Event
	for _, ev := range events {
		switch ev.Action {
		case device.Added:
			added = append(added, ev)
		case device.Removed:
			log.Printf("sync: device %s detached", ev.DeviceID)
		}
	}
	if len(added) == 0 {
		return nil
	}

	if e.lister != nil {
		if _, err := e.RefreshDevices(ctx); err != nil {
			log.Printf("sync: %v", err)
		}
	}

	autoSync := e.settings().AutoSyncDefault
	var jobs []string
	for _, ev := range added {
		if e.lister == nil {
			err := e.store.UpsertSeenDevice(db.DeviceSeen{
				ID:         ev.DeviceID,
				Label:      filepath.Base(ev.Mountpoint),
				Mountpoint: ev.Mountpoint,
				AutoSync:   autoSync,
			}, ev.Timestamp)
			if err != nil {
				log.Printf("sync: registering %s: %v", ev.DeviceID, err)
				continue
			}
		}

		d, err := e.store.GetDevice(ctx, ev.DeviceID)
		if err != nil {
			log.Printf("sync: loading %s: %v", ev.DeviceID, err)
			continue
		}
		if d == nil || d.Type != db.DeviceRecorder || !d.AutoSync {
			continue
		}
		if e.deviceBusy(d.ID) {
			log.Printf("sync: device %s already syncing", d.ID)
			continue
		}
		jobID, err := e.StartSync([]string{d.ID})
		if err != nil {
			log.Printf("sync: auto-sync %s: %v", d.ID, err)
			continue
		}
		jobs = append(jobs, jobID)
	}
	return jobs
}
