// Package store persists the device and room catalogs to disk as JSON,
// serializing concurrent writers behind one coalescing queue per file.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/room"
	"go.uber.org/zap"
)

// fileWriter serializes writes to a single JSON file. A write already in
// flight coalesces later requests: only the most recent payload is kept
// pending, so bursts of mutations collapse into a single disk write.
type fileWriter struct {
	path string

	mu      sync.Mutex
	pending []byte
	queued  bool
}

func newFileWriter(path string) *fileWriter {
	return &fileWriter{path: path}
}

func (w *fileWriter) submit(ctx context.Context, data []byte) {
	w.mu.Lock()
	w.pending = data
	alreadyQueued := w.queued
	w.queued = true
	w.mu.Unlock()

	if alreadyQueued {
		return
	}
	go w.drain(ctx)
}

func (w *fileWriter) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		data := w.pending
		w.mu.Unlock()

		if err := writeWithRetry(w.path, data); err != nil {
			logging.Error(ctx, "persist write failed", zap.String("path", w.path), zap.Error(err))
		}

		w.mu.Lock()
		if bytes.Equal(w.pending, data) {
			// No newer submission arrived while we were writing; done.
			w.queued = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

// writeWithRetry writes data atomically (temp file + rename), retrying with
// bounded backoff on a locking error.
func writeWithRetry(path string, data []byte) error {
	backoffs := []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}
	var err error
	for attempt := 0; ; attempt++ {
		err = atomicWrite(path, data)
		if err == nil || !os.IsPermission(err) && !os.IsExist(err) {
			return err
		}
		if attempt >= len(backoffs) {
			return err
		}
		time.Sleep(backoffs[attempt])
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Store persists the device and room catalogs, one coalescing writer per
// file, and loads them back at startup. On read corruption it truncates to
// an empty catalog rather than halting.
type Store struct {
	devicesWriter *fileWriter
	roomsWriter   *fileWriter
	devicesPath   string
	roomsPath     string
}

// New creates a Store rooted at dataDir, which is created if absent.
func New(dataDir string) *Store {
	devicesPath := filepath.Join(dataDir, "devices.json")
	roomsPath := filepath.Join(dataDir, "rooms.json")
	return &Store{
		devicesWriter: newFileWriter(devicesPath),
		roomsWriter:   newFileWriter(roomsPath),
		devicesPath:   devicesPath,
		roomsPath:     roomsPath,
	}
}

// SaveDevices persists the device catalog asynchronously.
func (s *Store) SaveDevices(snapshots []device.Snapshot) {
	if snapshots == nil {
		snapshots = []device.Snapshot{}
	}
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		logging.Error(context.Background(), "marshal devices failed", zap.Error(err))
		return
	}
	s.devicesWriter.submit(context.Background(), data)
}

// SaveRooms persists the room catalog asynchronously.
func (s *Store) SaveRooms(snapshots []room.Snapshot) {
	if snapshots == nil {
		snapshots = []room.Snapshot{}
	}
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		logging.Error(context.Background(), "marshal rooms failed", zap.Error(err))
		return
	}
	s.roomsWriter.submit(context.Background(), data)
}

// LoadDevices reads the device catalog, truncating to empty on corruption.
func (s *Store) LoadDevices() []device.Snapshot {
	var snapshots []device.Snapshot
	if !loadJSON(s.devicesPath, &snapshots) {
		return nil
	}
	return snapshots
}

// LoadRooms reads the room catalog, truncating to empty on corruption.
func (s *Store) LoadRooms() []room.Snapshot {
	var snapshots []room.Snapshot
	if !loadJSON(s.roomsPath, &snapshots) {
		return nil
	}
	return snapshots
}

func loadJSON(path string, out any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn(context.Background(), "catalog read failed, starting empty", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		logging.Warn(context.Background(), "catalog corrupted, truncating to empty", zap.String("path", path), zap.Error(err))
		_ = atomicWrite(path, []byte("[]"))
		return false
	}
	return true
}
