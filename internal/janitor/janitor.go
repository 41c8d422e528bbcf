// Package janitor runs the periodic sweeper that expires idle connections,
// stale devices, orphan transfers, and leftover scratch upload files.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/FabeYT/smartshare/internal/presence"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/transfer"
	"go.uber.org/zap"
)

const (
	sweepInterval       = 60 * time.Second
	connectionIdleLimit = 5 * time.Minute
	offlineExpiry       = 30 * time.Minute
	pinnedExpiry        = 24 * time.Hour
	uploadFileExpiry    = 24 * time.Hour
)

// ConnectionReaper closes idle connections; satisfied by *transport.Hub.
type ConnectionReaper interface {
	CloseIdle(olderThan time.Duration) int
}

// Janitor owns the fixed-cadence sweep over every process-wide registry.
type Janitor struct {
	devices   *device.Registry
	rooms     *room.Registry
	transfers *transfer.Engine
	presence  *presence.Broadcaster
	conns     ConnectionReaper
	uploadDir string

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New wires a Janitor to its collaborators. uploadDir may be empty to skip
// the scratch-file sweep (e.g. in tests).
func New(devices *device.Registry, rooms *room.Registry, transfers *transfer.Engine, pres *presence.Broadcaster, conns ConnectionReaper, uploadDir string) *Janitor {
	return &Janitor{
		devices:   devices,
		rooms:     rooms,
		transfers: transfers,
		presence:  pres,
		conns:     conns,
		uploadDir: uploadDir,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the 60s sweep cadence in its own goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.ticker = time.NewTicker(sweepInterval)
	go func() {
		defer close(j.done)
		for {
			select {
			case <-j.ticker.C:
				j.Sweep(ctx)
			case <-j.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current cycle to finish.
func (j *Janitor) Stop() {
	if j.ticker != nil {
		j.ticker.Stop()
	}
	close(j.stop)
	<-j.done
}

// Sweep runs one janitor cycle synchronously: idle connections, stale
// devices/rooms, aged transfers, and the scratch upload directory.
func (j *Janitor) Sweep(ctx context.Context) {
	closed := 0
	if j.conns != nil {
		closed = j.conns.CloseIdle(connectionIdleLimit)
	}

	expiredRooms := j.expireDevices(ctx)

	j.transfers.Sweep(ctx)

	prunedFiles := j.sweepUploadDir()

	outcome := "clean"
	if closed > 0 || expiredRooms > 0 || prunedFiles > 0 {
		outcome = "mutated"
	}
	metrics.JanitorSweeps.WithLabelValues(outcome).Inc()
	logging.Info(ctx, "janitor sweep complete",
		zap.Int("closed_connections", closed),
		zap.Int("expired_room_memberships", expiredRooms),
		zap.Int("pruned_upload_files", prunedFiles))
}

// expireDevices evicts devices past their idle window (30 min for ordinary
// devices, 24h for pinned ones), removing them from any room they belong to
// and re-broadcasting presence for rooms that survive.
func (j *Janitor) expireDevices(ctx context.Context) int {
	now := time.Now()
	mutations := 0
	for _, cand := range j.devices.ExpiryCandidates() {
		if !cand.Online {
			limit := offlineExpiry
			if cand.Pinned {
				limit = pinnedExpiry
			}
			if now.Sub(cand.LastSeen) < limit {
				continue
			}
		}

		mutations++
		if cand.RoomID != "" {
			roomID, deleted := j.rooms.RemoveMember(cand.ID)
			if roomID != "" && !deleted && j.presence != nil {
				j.presence.DeviceLeft(ctx, roomID, cand.ID)
			}
		}
		j.devices.Remove(cand.ID)
	}
	return mutations
}

// sweepUploadDir removes scratch files whose mtime is older than 24h.
func (j *Janitor) sweepUploadDir() int {
	if j.uploadDir == "" {
		return 0
	}
	entries, err := os.ReadDir(j.uploadDir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-uploadFileExpiry)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(j.uploadDir, entry.Name())); err == nil {
				pruned++
			}
		}
	}
	return pruned
}
