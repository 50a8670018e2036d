package device

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsblkOutput = `{
   "blockdevices": [
      {"name":"sda", "label":null, "mountpoint":null, "rm":false, "hotplug":false,
         "children": [
            {"name":"sda1", "label":"root", "mountpoint":"/", "rm":false, "hotplug":false}
         ]
      },
      {"name":"sdb", "label":null, "mountpoint":null, "rm":true, "hotplug":true,
         "children": [
            {"name":"sdb1", "label":"ZOOM H1", "mountpoint":"/media/u/ZOOM H1", "rm":false, "hotplug":false}
         ]
      },
      {"name":"sdc", "label":"", "mountpoints":[null, "/run/media/u/sdc"], "rm":"1", "hotplug":"0"},
      {"name":"sdd", "label":"unmounted", "mountpoint":null, "rm":1}
   ]
}`

func TestParseBlockDevices(t *testing.T) {
	got, err := parseBlockDevices([]byte(lsblkOutput))
	require.NoError(t, err)
	want := []Device{
		{ID: "ZOOM_H1", Label: "ZOOM H1", Mountpoint: "/media/u/ZOOM H1", Removable: true},
		{ID: "sdc", Label: "sdc", Mountpoint: "/run/media/u/sdc", Removable: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBlockDevices_Invalid(t *testing.T) {
	_, err := parseBlockDevices([]byte("NAME LABEL\nsda"))
	assert.Error(t, err)
}

func TestCommandLister_SplitsCommandLine(t *testing.T) {
	var gotName string
	var gotArgs []string
	c := &CommandLister{
		Command: `lsblk --json -o "NAME,LABEL,MOUNTPOINT,RM,HOTPLUG"`,
		run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			return []byte(lsblkOutput), nil
		},
	}
	devs, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, devs, 2)
	assert.Equal(t, "lsblk", gotName)
	assert.Equal(t,
		[]string{"--json", "-o", "NAME,LABEL,MOUNTPOINT,RM,HOTPLUG"},
		gotArgs)
}

func TestCommandLister_Errors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		run     func(context.Context, string, ...string) ([]byte, error)
	}{
		{"empty command", "   ", nil},
		{"unterminated quote", `lsblk "--json`, nil},
		{"command fails", "lsblk", func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("exit status 1")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &CommandLister{Command: tt.command, run: tt.run}
			_, err := c.List(context.Background())
			assert.Error(t, err)
		})
	}
}
