// Package device discovers removable volumes and reports when
// they are attached or detached.
package device

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
)

// Device is an attached volume as seen by discovery.
type Device struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Mountpoint string `json:"mountpoint"`
	Removable  bool   `json:"removable"`
}

// Lister enumerates currently attached devices on demand.
type Lister interface {
	List(ctx context.Context) ([]Device, error)
}

var (
	driveLetter = regexp.MustCompile(`^([A-Za-z]):[\\/]?$`)
	unsafeID    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// DeriveID maps a mountpoint to a stable device id. A Windows
// drive designator like `E:\` becomes "E"; anything else uses
// the last path element with unsafe characters replaced.
func DeriveID(mountpoint string) string {
	mp := strings.TrimSpace(mountpoint)
	if m := driveLetter.FindStringSubmatch(mp); m != nil {
		return strings.ToUpper(m[1])
	}
	mp = strings.TrimRight(mp, `/\`)
	if i := strings.LastIndexAny(mp, `/\`); i >= 0 {
		mp = mp[i+1:]
	}
	return unsafeID.ReplaceAllString(mp, "_")
}

// MultiLister merges several listers. The first lister to report
// an id wins. A failing lister is logged and skipped unless all
// of them fail.
type MultiLister []Lister

// List implements Lister.
func (m MultiLister) List(ctx context.Context) ([]Device, error) {
	var (
		out  []Device
		seen = make(map[string]bool)
		errs []error
	)
	for _, l := range m {
		devs, err := l.List(ctx)
		if err != nil {
			log.Printf("device: listing failed: %v", err)
			errs = append(errs, err)
			continue
		}
		for _, d := range devs {
			if d.ID == "" || seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	if len(errs) > 0 && len(errs) == len(m) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
