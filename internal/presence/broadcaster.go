// Package presence recomputes and fans out the device-list projection for a
// room whenever membership or naming changes.
package presence

import (
	"context"

	"github.com/FabeYT/smartshare/internal/bus"
	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/wire"
)

// Sender delivers frames to one device or a set of devices; satisfied by
// *transport.Hub.
type Sender interface {
	Send(deviceID string, frame any) bool
	Broadcast(ids []string, frame any)
}

// Broadcaster fans out deviceList/deviceJoined/deviceLeft frames to every
// member of a room. An attached bus.Service (nil in single-instance mode)
// mirrors the same events to other relay instances.
type Broadcaster struct {
	devices *device.Registry
	rooms   *room.Registry
	sender  Sender
	bus     *bus.Service
}

// New wires a Broadcaster. bus may be nil.
func New(devices *device.Registry, rooms *room.Registry, sender Sender, b *bus.Service) *Broadcaster {
	return &Broadcaster{devices: devices, rooms: rooms, sender: sender, bus: b}
}

// DeviceListChanged recomputes roomID's device-list projection and sends it
// to every member.
func (b *Broadcaster) DeviceListChanged(ctx context.Context, roomID string) {
	members := b.rooms.MemberIDs(roomID)
	projections := b.devices.Projections(members)
	devices := make([]any, 0, len(projections))
	for _, p := range projections {
		devices = append(devices, p)
	}
	frame := wire.DeviceList{Type: "deviceList", RoomID: roomID, Devices: devices}
	b.sender.Broadcast(members, frame)
	b.bus.Publish(ctx, roomID, "deviceList", frame)
}

// DeviceJoined notifies roomID's other members that deviceID joined, then
// refreshes the full projection.
func (b *Broadcaster) DeviceJoined(ctx context.Context, roomID, deviceID string) {
	members := b.rooms.MemberIDs(roomID)
	others := make([]string, 0, len(members))
	for _, id := range members {
		if id != deviceID {
			others = append(others, id)
		}
	}
	frame := wire.DeviceJoined{Type: "deviceJoined", DeviceID: deviceID, DeviceCount: len(members)}
	b.sender.Broadcast(others, frame)
	b.bus.Publish(ctx, roomID, "deviceJoined", frame)
	b.DeviceListChanged(ctx, roomID)
}

// DeviceLeft notifies roomID's remaining members that deviceID left, then
// refreshes the full projection. Call only when the room still exists.
func (b *Broadcaster) DeviceLeft(ctx context.Context, roomID, deviceID string) {
	members := b.rooms.MemberIDs(roomID)
	frame := wire.DeviceLeft{Type: "deviceLeft", DeviceID: deviceID, DeviceCount: len(members)}
	b.sender.Broadcast(members, frame)
	b.bus.Publish(ctx, roomID, "deviceLeft", frame)
	b.DeviceListChanged(ctx, roomID)
}
