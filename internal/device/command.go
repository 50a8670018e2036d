package device

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/shlex"
	"github.com/tidwall/gjson"
)

// CommandLister runs an external block-device listing command
// that prints lsblk-style JSON, e.g.
//
//	lsblk --json -o NAME,LABEL,MOUNTPOINT,RM,HOTPLUG
type CommandLister struct {
	Command string

	// run executes argv and returns stdout. Tests replace it.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCommandLister returns a lister for the given command line.
func NewCommandLister(command string) *CommandLister {
	return &CommandLister{Command: command, run: runCommand}
}

func runCommand(
	ctx context.Context, name string, args ...string,
) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// List implements Lister.
func (c *CommandLister) List(ctx context.Context) ([]Device, error) {
	argv, err := shlex.Split(c.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing device command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("device command is empty")
	}
	run := c.run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return parseBlockDevices(out)
}

// parseBlockDevices extracts mounted removable volumes from
// lsblk JSON. Partitions inherit removability from their disk.
func parseBlockDevices(data []byte) ([]Device, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("device command output is not JSON")
	}
	var out []Device
	var walk func(nodes []gjson.Result, parentRemovable bool)
	walk = func(nodes []gjson.Result, parentRemovable bool) {
		for _, n := range nodes {
			removable := parentRemovable ||
				truthy(n.Get("rm")) || truthy(n.Get("hotplug"))
			if mp := mountpointOf(n); mp != "" && removable {
				label := n.Get("label").String()
				if label == "" {
					label = n.Get("name").String()
				}
				out = append(out, Device{
					ID:         DeriveID(mp),
					Label:      label,
					Mountpoint: mp,
					Removable:  true,
				})
			}
			walk(n.Get("children").Array(), removable)
		}
	}
	walk(gjson.GetBytes(data, "blockdevices").Array(), false)
	return out, nil
}

// mountpointOf handles both the single "mountpoint" field and
// the "mountpoints" array newer lsblk versions print.
func mountpointOf(n gjson.Result) string {
	if mp := n.Get("mountpoint").String(); mp != "" {
		return mp
	}
	for _, mp := range n.Get("mountpoints").Array() {
		if s := mp.String(); s != "" {
			return s
		}
	}
	return ""
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Int() != 0
	case gjson.String:
		return r.Str == "1" || r.Str == "true"
	}
	return false
}
