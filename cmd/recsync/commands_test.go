package main

import (
	"bytes"
	"errors"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightrecorder/recsync/internal/update"
)

func TestParseSyncFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		quiet   bool
		wantErr string
	}{
		{
			name:    "no devices",
			args:    []string{},
			wantErr: "at least one device",
		},
		{
			name: "repeated flag",
			args: []string{"-device", "rec-1", "-device", "rec-2"},
			want: []string{"rec-1", "rec-2"},
		},
		{
			name:  "flag and positional",
			args:  []string{"-quiet", "-device", "rec-1", "rec-3"},
			want:  []string{"rec-1", "rec-3"},
			quiet: true,
		},
		{
			name: "export root flag",
			args: []string{"-export-root", "/tmp/out", "rec-1"},
			want: []string{"rec-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, fs, err := parseSyncFlags(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, opts.DeviceIDs)
			assert.Equal(t, tt.quiet, opts.Quiet)
			assert.NotNil(t, fs.Lookup("export-root"))
		})
	}
}

func TestParseSyncFlagsHelp(t *testing.T) {
	_, _, err := parseSyncFlags([]string{"-h"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestStringList(t *testing.T) {
	var l stringList
	require.NoError(t, l.Set("a"))
	require.NoError(t, l.Set("b"))
	assert.Equal(t, "a,b", l.String())
}

func TestPrintUpdate(t *testing.T) {
	tests := []struct {
		name string
		info *update.Info
		want string
	}{
		{
			name: "up to date",
			want: "recsync dev is up to date.\n",
		},
		{
			name: "newer release",
			info: &update.Info{
				CurrentVersion: "0.1.0",
				LatestVersion:  "v0.2.0",
				URL:            "https://example.test/v0.2.0",
			},
			want: "recsync v0.2.0 is available (running 0.1.0).\n" +
				"Download: https://example.test/v0.2.0\n",
		},
		{
			name: "dev build",
			info: &update.Info{
				CurrentVersion: "dev",
				LatestVersion:  "v0.2.0",
				IsDevBuild:     true,
			},
			want: "Development build dev; latest release is v0.2.0.\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printUpdate(&buf, tt.info)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}
