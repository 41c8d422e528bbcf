package transport

import (
	"testing"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() (*Hub, *device.Registry, *room.Registry) {
	devices := device.NewRegistry(nil)
	rooms := room.NewRegistry(nil)
	gov := transfer.NewGovernor(transfer.MaxMemoryBytes, transfer.WarningMemoryBytes, transfer.MaxConcurrentTransfers)
	router := NewRouter(devices, rooms, nil)
	hub := NewHub(devices, rooms, gov, router, "*")
	router.SetHub(hub)
	return hub, devices, rooms
}

func TestHub_SendToUnknownDeviceReturnsFalse(t *testing.T) {
	hub, _, _ := newTestHub()

	ok := hub.Send("nobody", map[string]string{"type": "ping"})

	assert.False(t, ok)
}

func TestHub_RegisterAndSend(t *testing.T) {
	hub, _, _ := newTestHub()
	conn := newFakeConn()
	client := NewClient(conn, "dev1", hub)
	hub.register(client)

	ok := hub.Send("dev1", map[string]string{"type": "ping"})

	assert.True(t, ok)
	assert.Equal(t, 1, hub.Connections())
}

func TestHub_RegisterSupersedesOlderConnection(t *testing.T) {
	hub, _, _ := newTestHub()
	oldConn := newFakeConn()
	oldClient := NewClient(oldConn, "dev1", hub)
	hub.register(oldClient)

	newConn := newFakeConn()
	newClient := NewClient(newConn, "dev1", hub)
	hub.register(newClient)

	require.Eventually(t, func() bool { return len(oldClient.send) == 1 }, time.Second, time.Millisecond,
		"the superseded connection should receive a duplicate_connection frame")
	assert.Equal(t, 1, len(newClient.send),
		"the new connection should receive a duplicate_connection frame announcing it is authoritative")
	assert.Equal(t, 1, hub.Connections())
}

func TestHub_UnregisterIgnoresSupersededConnection(t *testing.T) {
	hub, devices, _ := newTestHub()
	devices.UpsertOnConnect("dev1", newFakeConn(), "")

	oldConn := newFakeConn()
	oldClient := NewClient(oldConn, "dev1", hub)
	hub.register(oldClient)

	newConn := newFakeConn()
	newClient := NewClient(newConn, "dev1", hub)
	hub.register(newClient)

	hub.unregister(oldClient)

	assert.Equal(t, 1, hub.Connections(), "an old connection's unregister must not clobber the newer one")
}

func TestHub_CloseIdleClosesOnlyStaleConnections(t *testing.T) {
	hub, _, _ := newTestHub()
	freshConn := newFakeConn()
	freshClient := NewClient(freshConn, "fresh", hub)
	hub.register(freshClient)

	staleConn := newFakeConn()
	staleClient := NewClient(staleConn, "stale", hub)
	staleClient.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	hub.register(staleClient)

	closed := hub.CloseIdle(time.Minute)

	assert.Equal(t, 1, closed)
}

func TestHub_ShutdownClosesEveryConnection(t *testing.T) {
	hub, _, _ := newTestHub()
	hub.register(NewClient(newFakeConn(), "a", hub))
	hub.register(NewClient(newFakeConn(), "b", hub))

	hub.Shutdown()

	assert.Equal(t, 2, hub.Connections(), "Shutdown closes connections but registration bookkeeping is left to unregister via readPump")
}
