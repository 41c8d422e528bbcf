package transport

import (
	"context"
	"encoding/json"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/transfer"
	"github.com/FabeYT/smartshare/internal/wire"
	"go.uber.org/zap"
)

// Router dispatches a decoded inbound frame to the device/room registries or
// the transfer engine, by its "type" discriminator.
type Router struct {
	devices *device.Registry
	rooms   *room.Registry
	engine  *transfer.Engine
	hub     *Hub
}

// NewRouter wires a Router to its collaborators. SetHub must be called once
// the Hub exists (the two have a cyclic dependency: Hub owns Router, Router
// broadcasts via Hub).
func NewRouter(devices *device.Registry, rooms *room.Registry, engine *transfer.Engine) *Router {
	return &Router{devices: devices, rooms: rooms, engine: engine}
}

// SetHub completes the Router's wiring once the owning Hub is constructed.
func (rt *Router) SetHub(h *Hub) { rt.hub = h }

// SetEngine completes the Router's wiring once the Transfer Engine is
// constructed (the Engine itself depends on the Hub as its Sender).
func (rt *Router) SetEngine(e *transfer.Engine) { rt.engine = e }

type typeOnly struct {
	Type string `json:"type"`
}

// Dispatch decodes the frame's type discriminator and routes it to the
// matching handler, replying with a generic error frame on unknown type or
// malformed JSON.
func (rt *Router) Dispatch(ctx context.Context, deviceID string, raw []byte) {
	var head typeOnly
	if err := json.Unmarshal(raw, &head); err != nil {
		metrics.FramesProcessed.WithLabelValues("unknown", "malformed").Inc()
		rt.hub.Send(deviceID, wire.ErrorFrame{Type: "error", Message: "malformed frame"})
		return
	}

	status := "ok"
	defer func() { metrics.FramesProcessed.WithLabelValues(head.Type, status).Inc() }()

	switch head.Type {
	case "client_identify":
		// Identity is derived at connect time; nothing further to do.
	case "deviceInfo":
		rt.handleDeviceInfo(ctx, deviceID, raw)
	case "updateDeviceName":
		rt.handleUpdateDeviceName(ctx, deviceID, raw)
	case "createRoom":
		rt.handleCreateRoom(ctx, deviceID, raw)
	case "joinRoom":
		rt.handleJoinRoom(ctx, deviceID, raw)
	case "leaveRoom":
		rt.handleLeaveRoom(ctx, deviceID)
	case "fileTransfer":
		rt.handleFileTransfer(ctx, deviceID, raw)
	case "transferAccepted":
		rt.handleTransferAccepted(ctx, deviceID, raw)
	case "transferRejected":
		rt.handleTransferRejected(ctx, deviceID, raw)
	case "fileChunk":
		rt.handleFileChunk(ctx, deviceID, raw)
	case "requestMissingChunks":
		rt.handleRequestMissingChunks(ctx, deviceID, raw)
	case "fileComplete":
		rt.handleFileComplete(ctx, deviceID, raw)
	case "fileProgress":
		rt.handleFileProgress(ctx, deviceID, raw)
	case "requestFileDownload":
		rt.handleRequestFileDownload(ctx, deviceID, raw)
	case "fileCancel":
		rt.handleFileCancel(ctx, deviceID, raw)
	case "togglePinDevice":
		rt.handleTogglePin(ctx, deviceID, raw)
	case "ping":
		rt.handlePing(deviceID, raw)
	default:
		status = "unknown_type"
		rt.hub.Send(deviceID, wire.ErrorFrame{Type: "error", Message: "unknown message type: " + head.Type})
	}
}

func (rt *Router) handleDeviceInfo(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.DeviceInfo
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.CustomName != "" {
		rt.devices.Rename(ctx, deviceID, msg.CustomName)
	}
}

func (rt *Router) handleUpdateDeviceName(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.UpdateDeviceName
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if _, err := rt.devices.Rename(ctx, deviceID, msg.Name); err != nil {
		return
	}
	rt.hub.Send(deviceID, wire.DeviceNameUpdated{Type: "deviceNameUpdated", Name: msg.Name})
	if d, ok := rt.devices.Get(deviceID); ok && d.RoomID != "" {
		rt.hub.presence.DeviceListChanged(ctx, d.RoomID)
	}
}

func (rt *Router) handleCreateRoom(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.CreateRoom
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rm, err := rt.rooms.Create(msg.Name, deviceID)
	if err != nil {
		rt.hub.Send(deviceID, wire.RoomError{Type: "roomError", Message: err.Error()})
		return
	}
	rt.devices.SetRoom(deviceID, rm.ID)
	rt.hub.Send(deviceID, wire.RoomCreated{Type: "roomCreated", RoomID: rm.ID, Name: rm.Name})
	rt.hub.Send(deviceID, wire.RoomJoined{Type: "roomJoined", RoomID: rm.ID, Name: rm.Name, DeviceCount: len(rm.Members)})
	rt.hub.presence.DeviceListChanged(ctx, rm.ID)
}

func (rt *Router) handleJoinRoom(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.JoinRoom
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rm, err := rt.rooms.Join(msg.Name, deviceID)
	if err != nil {
		rt.hub.Send(deviceID, wire.RoomError{Type: "roomError", Message: err.Error()})
		return
	}
	rt.devices.SetRoom(deviceID, rm.ID)
	members := rt.rooms.MemberIDs(rm.ID)
	rt.hub.Send(deviceID, wire.RoomJoined{Type: "roomJoined", RoomID: rm.ID, Name: rm.Name, DeviceCount: len(members)})
	rt.hub.presence.DeviceJoined(ctx, rm.ID, deviceID)
}

func (rt *Router) handleLeaveRoom(ctx context.Context, deviceID string) {
	d, ok := rt.devices.Get(deviceID)
	if !ok || d.RoomID == "" {
		return
	}
	roomID := d.RoomID
	_, deleted := rt.rooms.Leave(roomID, deviceID)
	rt.devices.SetRoom(deviceID, "")
	rt.hub.Send(deviceID, wire.RoomLeft{Type: "roomLeft"})
	if !deleted {
		rt.hub.presence.DeviceLeft(ctx, roomID, deviceID)
	}
}

func (rt *Router) handleFileTransfer(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.FileTransfer
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if _, err := rt.engine.Offer(ctx, deviceID, msg.TargetDevice, msg.Files); err != nil {
		logging.Warn(ctx, "transfer offer rejected", zap.String("device_id", deviceID), zap.Error(err))
		rt.hub.Send(deviceID, wire.TransferError{Type: "transferError", Message: err.Error()})
	}
}

func (rt *Router) handleTransferAccepted(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.TransferAccepted
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if err := rt.engine.Accept(ctx, msg.TransferID, deviceID); err != nil {
		rt.hub.Send(deviceID, wire.TransferError{Type: "transferError", TransferID: msg.TransferID, Message: err.Error()})
	}
}

func (rt *Router) handleTransferRejected(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.TransferRejected
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rt.engine.Reject(ctx, msg.TransferID, deviceID)
}

func (rt *Router) handleFileChunk(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.FileChunk
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if err := rt.engine.Chunk(ctx, msg.TransferID, msg.ChunkIndex, msg.TotalChunks, msg.Data); err != nil {
		rt.hub.Send(deviceID, wire.TransferError{Type: "transferError", TransferID: msg.TransferID, Message: err.Error()})
	}
}

func (rt *Router) handleRequestMissingChunks(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.RequestMissingChunks
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rt.engine.RequestMissingChunks(ctx, msg.TransferID)
}

func (rt *Router) handleFileComplete(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.FileComplete
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rt.engine.CompleteFromPeer(ctx, msg.TransferID, deviceID)
}

func (rt *Router) handleFileProgress(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.FileProgress
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rt.engine.ReportProgress(ctx, msg.TransferID, deviceID, msg.Percent)
}

func (rt *Router) handleRequestFileDownload(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.RequestFileDownload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if _, err := rt.engine.RequestDownload(ctx, msg.TransferID, deviceID); err != nil {
		rt.hub.Send(deviceID, wire.TransferError{Type: "transferError", TransferID: msg.TransferID, Message: err.Error()})
	}
}

func (rt *Router) handleFileCancel(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.FileCancel
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rt.engine.Cancel(ctx, msg.TransferID, deviceID)
}

func (rt *Router) handleTogglePin(ctx context.Context, deviceID string, raw []byte) {
	var msg wire.TogglePinDevice
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if _, ok := rt.devices.TogglePin(msg.TargetID, deviceID); ok {
		if d, ok := rt.devices.Get(deviceID); ok && d.RoomID != "" {
			rt.hub.presence.DeviceListChanged(ctx, d.RoomID)
		}
	}
}

func (rt *Router) handlePing(deviceID string, raw []byte) {
	var msg wire.Ping
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	rt.hub.Send(deviceID, wire.Pong{Type: "pong", Timestamp: msg.Timestamp})
}
