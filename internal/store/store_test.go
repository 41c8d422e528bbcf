package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadDevices_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	snapshots := []device.Snapshot{{ID: "dev1", Name: "desktop-abcd", LastSeen: time.Now().UTC().Truncate(time.Second)}}
	s.SaveDevices(snapshots)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "devices.json"))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	s2 := New(dir)
	loaded := s2.LoadDevices()
	require.Len(t, loaded, 1)
	assert.Equal(t, "dev1", loaded[0].ID)
}

func TestSaveAndLoadRooms_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	snapshots := []room.Snapshot{{ID: "room1", Name: "Kitchen", Created: time.Now().UTC().Truncate(time.Second), Members: []string{"dev1"}}}
	s.SaveRooms(snapshots)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "rooms.json"))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	s2 := New(dir)
	loaded := s2.LoadRooms()
	require.Len(t, loaded, 1)
	assert.Equal(t, "room1", loaded[0].ID)
}

func TestLoadDevices_CorruptedFileTruncatesToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	s := New(dir)
	loaded := s.LoadDevices()

	assert.Empty(t, loaded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestLoadDevices_MissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	assert.Nil(t, s.LoadDevices())
}

func TestSaveDevices_CoalescesBurstIntoSingleLatestWrite(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	for i := 0; i < 10; i++ {
		s.SaveDevices([]device.Snapshot{{ID: "dev", Name: "iteration"}})
	}
	s.SaveDevices([]device.Snapshot{{ID: "final", Name: "final"}})

	require.Eventually(t, func() bool {
		loaded := s.LoadDevices()
		return len(loaded) == 1 && loaded[0].ID == "final"
	}, time.Second, 5*time.Millisecond)
}
