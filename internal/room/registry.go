package room

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persister is implemented by the on-disk catalog writer.
type Persister interface {
	SaveRooms(snapshots []Snapshot)
}

// Registry is the process-wide room-id -> Room map, guarded by a single
// mutex, plus a name index for case-insensitive lookup.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	byName  map[string]string // normalized name -> room id
	persist Persister
}

func NewRegistry(persist Persister) *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		byName:  make(map[string]string),
		persist: persist,
	}
}

// LoadSnapshots seeds the registry at startup.
func (r *Registry) LoadSnapshots(snapshots []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snapshots {
		rm := FromSnapshot(s)
		r.rooms[rm.ID] = rm
		r.byName[normalizeName(rm.Name)] = rm.ID
	}
}

// Create mints a new room, rejecting a case-insensitive name collision.
func (r *Registry) Create(name, byID string) (*Room, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, ErrNameEmpty
	}
	key := normalizeName(trimmed)

	r.mu.Lock()
	if _, exists := r.byName[key]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	rm := &Room{
		ID:        uuid.NewString(),
		Name:      trimmed,
		Created:   time.Now(),
		CreatedBy: byID,
		Members:   map[string]struct{}{byID: {}},
	}
	r.rooms[rm.ID] = rm
	r.byName[key] = rm.ID
	r.mu.Unlock()

	r.persistAsync()
	return rm, nil
}

// Resolve looks a room up by its minted id or by display name
// (case-insensitive, whitespace-trimmed).
func (r *Registry) Resolve(nameOrID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[nameOrID]; ok {
		return rm, nil
	}
	if id, ok := r.byName[normalizeName(nameOrID)]; ok {
		if rm, ok := r.rooms[id]; ok {
			return rm, nil
		}
	}
	return nil, ErrNotFound
}

// Join adds byID to the room resolved from nameOrID.
func (r *Registry) Join(nameOrID, byID string) (*Room, error) {
	r.mu.Lock()
	rm, ok := r.rooms[nameOrID]
	if !ok {
		if id, found := r.byName[normalizeName(nameOrID)]; found {
			rm, ok = r.rooms[id]
		}
	}
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	rm.Members[byID] = struct{}{}
	r.mu.Unlock()

	r.persistAsync()
	return rm, nil
}

// Leave removes byID from roomID. If the room becomes empty it is deleted in
// the same critical section. Returns the room (nil if deleted) and whether
// it was deleted.
func (r *Registry) Leave(roomID, byID string) (rm *Room, deleted bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(rm.Members, byID)
	if len(rm.Members) == 0 {
		delete(r.rooms, rm.ID)
		delete(r.byName, normalizeName(rm.Name))
		deleted = true
	}
	r.mu.Unlock()
	r.persistAsync()
	if deleted {
		return nil, true
	}
	return rm, false
}

// RemoveMember removes a member id from whichever room it belongs to
// (used by janitor expiry, which does not have the room id in hand).
func (r *Registry) RemoveMember(memberID string) (roomID string, deleted bool) {
	r.mu.Lock()
	var target *Room
	for _, rm := range r.rooms {
		if _, ok := rm.Members[memberID]; ok {
			target = rm
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return "", false
	}
	roomID = target.ID
	delete(target.Members, memberID)
	if len(target.Members) == 0 {
		delete(r.rooms, target.ID)
		delete(r.byName, normalizeName(target.Name))
		deleted = true
	}
	r.mu.Unlock()
	r.persistAsync()
	return roomID, deleted
}

// Get returns a room by id without the name-lookup fallback.
func (r *Registry) Get(id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	return rm, ok
}

// MemberIDs returns a stable snapshot of a room's member ids.
func (r *Registry) MemberIDs(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rm.MemberIDs()
}

// Snapshots returns every room's persisted projection.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.ToSnapshot())
	}
	return out
}

// Count returns the number of active rooms.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) persistAsync() {
	if r.persist == nil {
		return
	}
	r.persist.SaveRooms(r.Snapshots())
}
