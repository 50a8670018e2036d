package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFile(fp string) File {
	return File{
		DeviceID:     "E",
		RelativePath: "REC/a.wav",
		Size:         2048,
		MtimeMs:      1_700_000_000_000,
		Fingerprint:  fp,
		Title:        "a",
		DestPath:     "/lib/E/a.wav",
	}
}

func TestRegisterFile_SecondRegistrationIsNoop(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	id1, inserted, err := d.RegisterFile(sampleFile("fp-1"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, id1)

	again := sampleFile("fp-1")
	again.Title = "renamed"
	again.DestPath = "/elsewhere/a.wav"
	id2, inserted, err := d.RegisterFile(again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	n, err := d.CountFilesByDevice(ctx, "E")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := d.GetFileByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "renamed", got.Title, "metadata refreshed")
	assert.Equal(t, "/lib/E/a.wav", got.DestPath, "identity kept")
}

func TestGetFileByFingerprint_Missing(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	got, err := d.GetFileByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	id, _, err := d.RegisterFile(sampleFile("fp-1"))
	require.NoError(t, err)

	got, err = d.GetFileByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
}

func TestListFilesByDevice(t *testing.T) {
	d := testDB(t)
	for _, f := range []File{
		{DeviceID: "E", RelativePath: "b.wav", Fingerprint: "1"},
		{DeviceID: "E", RelativePath: "a.wav", Fingerprint: "2"},
		{DeviceID: "F", RelativePath: "c.wav", Fingerprint: "3"},
	} {
		_, _, err := d.RegisterFile(f)
		require.NoError(t, err)
	}

	files, err := d.ListFilesByDevice(context.Background(), "E")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.wav", files[0].RelativePath)
	assert.Equal(t, "b.wav", files[1].RelativePath)
}
