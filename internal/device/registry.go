package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FabeYT/smartshare/internal/logging"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup by id fails.
var ErrNotFound = errors.New("device not found")

// Persister is implemented by the on-disk catalog writer; the registry
// pushes a snapshot after every mutation without blocking the caller.
type Persister interface {
	SaveDevices(snapshots []Snapshot)
}

// Registry is the process-wide device-id -> Device map, guarded by a single
// mutex. Handlers must never hold this lock across an outbound channel
// write (gather-then-send).
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device

	persist Persister
}

// NewRegistry creates an empty registry, optionally wired to a persister.
func NewRegistry(persist Persister) *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		persist: persist,
	}
}

// LoadSnapshots seeds the registry at startup from persisted projections.
// Loaded devices are offline and unbound.
func (r *Registry) LoadSnapshots(snapshots []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snapshots {
		r.devices[s.ID] = FromSnapshot(s)
	}
}

// UpsertOnConnect binds a channel to a device id, creating the device if
// unknown. Known devices keep CustomName, Pinned, and RoomID across
// reconnects.
func (r *Registry) UpsertOnConnect(id string, ch Channel, ua string) *Device {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		t, platform, browser := ClassifyUserAgent(ua)
		d = &Device{
			ID:                 id,
			Name:               DefaultNameFor(t, id),
			Type:               t,
			Platform:           platform,
			Browser:            browser,
			UserAgent:          ua,
			ConnectionStrength: StrengthGood,
		}
		r.devices[id] = d
	}
	d.channel = ch
	d.Online = true
	d.LastSeen = time.Now()
	if ua != "" {
		d.UserAgent = ua
	}
	r.mu.Unlock()

	r.persistAsync()
	return d
}

// MarkOffline clears the bound channel and flags the device offline.
func (r *Registry) MarkOffline(id string) {
	r.mu.Lock()
	if d, ok := r.devices[id]; ok {
		d.channel = nil
		d.Online = false
		d.LastSeen = time.Now()
	}
	r.mu.Unlock()
	r.persistAsync()
}

// Get returns the device by id.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// Channel returns the live channel bound to a device, if online.
func (r *Registry) Channel(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok || !d.Online || d.channel == nil {
		return nil, false
	}
	return d.channel, true
}

// Rename updates CustomName/Name for a device.
func (r *Registry) Rename(ctx context.Context, id, name string) (*Device, error) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	d.CustomName = name
	d.Name = name
	r.mu.Unlock()

	r.persistAsync()
	logging.Info(ctx, "device renamed", zap.String("device_id", id), zap.String("name", name))
	return d, nil
}

// SetRoom assigns or clears the device's current room.
func (r *Registry) SetRoom(id, roomID string) {
	r.mu.Lock()
	if d, ok := r.devices[id]; ok {
		d.RoomID = roomID
	}
	r.mu.Unlock()
	r.persistAsync()
}

// SetConnectionStrength records the client-reported link quality.
func (r *Registry) SetConnectionStrength(id string, s Strength) {
	r.mu.Lock()
	if d, ok := r.devices[id]; ok {
		d.ConnectionStrength = s
	}
	r.mu.Unlock()
}

// TogglePin flips the pinned flag on targetID, permitted only when the two
// devices share a room. Returns the new pinned state. No-ops silently (false
// change reported via ok=false) when the devices are not co-located.
func (r *Registry) TogglePin(targetID, byID string) (pinned bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, tok := r.devices[targetID]
	actor, aok := r.devices[byID]
	if !tok || !aok || target.RoomID == "" || target.RoomID != actor.RoomID {
		return false, false
	}
	target.Pinned = !target.Pinned
	return target.Pinned, true
}

// Touch refreshes LastSeen without changing online state; used by the
// heartbeat path on any inbound activity.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if d, ok := r.devices[id]; ok {
		d.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Remove deletes a device entirely (used by janitor expiry).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()
	r.persistAsync()
}

// ExpiryCandidate describes a device eligible for janitor expiry evaluation.
type ExpiryCandidate struct {
	ID       string
	RoomID   string
	Pinned   bool
	Online   bool
	LastSeen time.Time
}

// ExpiryCandidates returns offline devices for the janitor to evaluate.
func (r *Registry) ExpiryCandidates() []ExpiryCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExpiryCandidate, 0, len(r.devices))
	for _, d := range r.devices {
		if d.Online {
			continue
		}
		out = append(out, ExpiryCandidate{
			ID:       d.ID,
			RoomID:   d.RoomID,
			Pinned:   d.Pinned,
			Online:   d.Online,
			LastSeen: d.LastSeen,
		})
	}
	return out
}

// Projections returns the presence-broadcast projection for a set of ids, in
// the given order, skipping any id no longer present.
func (r *Registry) Projections(ids []string) []ListProjection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ListProjection, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.devices[id]; ok {
			out = append(out, d.Project())
		}
	}
	return out
}

// Snapshots returns the full persisted projection of every known device.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.ToSnapshot())
	}
	return out
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) persistAsync() {
	if r.persist == nil {
		return
	}
	r.persist.SaveDevices(r.Snapshots())
}
