package transfer

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct{}

func (fakeChannel) Close() error { return nil }

type fakeSender struct {
	sent []sentFrame
}

type sentFrame struct {
	deviceID string
	frame    any
}

func (f *fakeSender) Send(deviceID string, frame any) bool {
	f.sent = append(f.sent, sentFrame{deviceID, frame})
	return true
}

func (f *fakeSender) framesFor(deviceID string) []any {
	var out []any
	for _, s := range f.sent {
		if s.deviceID == deviceID {
			out = append(out, s.frame)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *device.Registry, *fakeSender) {
	t.Helper()
	devices := device.NewRegistry(nil)
	rooms := room.NewRegistry(nil)
	sender := &fakeSender{}
	gov := NewGovernor(MaxMemoryBytes, WarningMemoryBytes, MaxConcurrentTransfers)
	engine := NewEngine(devices, rooms, gov, sender)

	devices.UpsertOnConnect("sender1", fakeChannel{}, "")
	devices.UpsertOnConnect("recipient1", fakeChannel{}, "")
	rm, err := rooms.Create("test-room", "sender1")
	require.NoError(t, err)
	rooms.Join(rm.ID, "recipient1")
	devices.SetRoom("sender1", rm.ID)
	devices.SetRoom("recipient1", rm.ID)

	return engine, devices, sender
}

func TestOffer_RejectsCrossRoomTransfer(t *testing.T) {
	engine, devices, _ := newTestEngine(t)
	devices.UpsertOnConnect("stranger", fakeChannel{}, "")

	_, err := engine.Offer(context.Background(), "sender1", "stranger", []wire.FileMeta{{Name: "a.txt", Size: 10}})

	assert.ErrorIs(t, err, ErrCrossRoomTransfer)
}

func TestOffer_RejectsOfflineTarget(t *testing.T) {
	engine, devices, _ := newTestEngine(t)
	devices.MarkOffline("recipient1")

	_, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 10}})

	assert.ErrorIs(t, err, ErrTargetOffline)
}

func TestOffer_Succeeds(t *testing.T) {
	engine, _, sender := newTestEngine(t)

	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 10}})

	require.NoError(t, err)
	assert.Equal(t, StatePending, tr.State)
	frames := sender.framesFor("recipient1")
	require.Len(t, frames, 1)
	assert.IsType(t, wire.IncomingFile{}, frames[0])
}

func TestAcceptThenChunk_AssemblesOnLastChunk(t *testing.T) {
	engine, _, sender := newTestEngine(t)
	payload := base64.StdEncoding.EncodeToString([]byte("hello world"))
	half1, half2 := payload[:len(payload)/2], payload[len(payload)/2:]

	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: int64(len(payload))}})
	require.NoError(t, err)

	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 2, half1))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 1, 2, half2))

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)

	var complete *wire.FileCompleteOut
	for _, f := range sender.framesFor("recipient1") {
		if c, ok := f.(wire.FileCompleteOut); ok {
			complete = &c
		}
	}
	require.NotNil(t, complete)
	assert.Equal(t, payload, complete.FileData)
}

func TestChunk_StripsDataURLPrefixPerChunk(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	raw := base64.StdEncoding.EncodeToString([]byte("x"))

	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 1}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 1, "data:text/plain;base64,"+raw))

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)
}

func TestChunk_DivergentTotalChunksErrorsTransfer(t *testing.T) {
	engine, _, sender := newTestEngine(t)

	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 4, "AA=="))

	err = engine.Chunk(context.Background(), tr.ID, 1, 5, "BB==")
	assert.ErrorIs(t, err, ErrAssemblyFailed)

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateErrored, got.State)

	var sawError bool
	for _, f := range sender.framesFor("sender1") {
		if _, ok := f.(wire.TransferError); ok {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestReject_ReleasesTransferWithoutReservation(t *testing.T) {
	engine, _, sender := newTestEngine(t)

	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Reject(context.Background(), tr.ID, "recipient1"))

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateRejected, got.State)

	var sawError bool
	for _, f := range sender.framesFor("sender1") {
		if _, ok := f.(wire.TransferError); ok {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestCancel_FromEitherPartyReleasesBudget(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 2, "AA=="))

	require.NoError(t, engine.Cancel(context.Background(), tr.ID, "sender1"))

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, int64(0), engine.gov.HeapBytes())
}

func TestGovernor_RejectsTransferOverConcurrencyCap(t *testing.T) {
	devices := device.NewRegistry(nil)
	rooms := room.NewRegistry(nil)
	sender := &fakeSender{}
	gov := NewGovernor(MaxMemoryBytes, WarningMemoryBytes, 1)
	engine := NewEngine(devices, rooms, gov, sender)

	devices.UpsertOnConnect("a", fakeChannel{}, "")
	devices.UpsertOnConnect("b", fakeChannel{}, "")
	devices.UpsertOnConnect("c", fakeChannel{}, "")
	rm, _ := rooms.Create("room", "a")
	rooms.Join(rm.ID, "b")
	rooms.Join(rm.ID, "c")
	devices.SetRoom("a", rm.ID)
	devices.SetRoom("b", rm.ID)
	devices.SetRoom("c", rm.ID)

	tr1, err := engine.Offer(context.Background(), "a", "b", []wire.FileMeta{{Name: "x", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr1.ID, "b"))
	require.NoError(t, engine.Chunk(context.Background(), tr1.ID, 0, 2, "AA=="))

	_, err = engine.Offer(context.Background(), "a", "c", []wire.FileMeta{{Name: "y", Size: 4}})
	assert.ErrorIs(t, err, ErrTooManyTransfers, "a second concurrent stream should be refused once the cap is reached")
}

type stubReaper struct {
	calls     int
	threshold time.Duration
	closed    int
}

func (s *stubReaper) CloseIdle(olderThan time.Duration) int {
	s.calls++
	s.threshold = olderThan
	return s.closed
}

// newOverBudgetEngine wires an engine with six streaming transfers and a
// memory budget too small to hold them all, for exercising the emergency
// eviction branch of Sweep (spec.md §4.5 / scenario S6).
func newOverBudgetEngine(t *testing.T) (*Engine, []*Transfer) {
	t.Helper()
	devices := device.NewRegistry(nil)
	rooms := room.NewRegistry(nil)
	sender := &fakeSender{}
	gov := NewGovernor(150, 100, 10)
	engine := NewEngine(devices, rooms, gov, sender)

	devices.UpsertOnConnect("sender1", fakeChannel{}, "")
	rm, err := rooms.Create("room", "sender1")
	require.NoError(t, err)
	devices.SetRoom("sender1", rm.ID)

	var transfers []*Transfer
	for i := 0; i < 6; i++ {
		recipient := "recipient" + string(rune('a'+i))
		devices.UpsertOnConnect(recipient, fakeChannel{}, "")
		rooms.Join(rm.ID, recipient)
		devices.SetRoom(recipient, rm.ID)

		tr, err := engine.Offer(context.Background(), "sender1", recipient, []wire.FileMeta{{Name: "a", Size: 30}})
		require.NoError(t, err)
		require.NoError(t, engine.Accept(context.Background(), tr.ID, recipient))
		require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 2, "AA=="))
		transfers = append(transfers, tr)
		time.Sleep(time.Millisecond)
	}
	return engine, transfers
}

func TestSweep_EmergencyEvictionKeepsMostRecentlyCreatedNotMostRecentlyActive(t *testing.T) {
	engine, transfers := newOverBudgetEngine(t)
	oldest := transfers[0]

	// The oldest-created transfer is touched last, so if eviction mistakenly
	// sorted on Activity instead of Created it would survive.
	got, ok := engine.Get(oldest.ID)
	require.True(t, ok)
	got.Activity = time.Now()

	engine.Sweep(context.Background())

	// The sweep's final pass deletes terminal transfers from the map, but
	// got still points at the same struct Sweep mutated in place.
	assert.Equal(t, StateErrored, got.State, "the oldest-created transfer must still be evicted despite its recent activity")

	newest, ok := engine.Get(transfers[5].ID)
	require.True(t, ok)
	assert.Equal(t, StateStreaming, newest.State, "the five most recently created transfers must survive")
}

func TestSweep_EmergencyBranchClosesIdleConnections(t *testing.T) {
	engine, _ := newOverBudgetEngine(t)
	reaper := &stubReaper{}
	engine.SetConnectionReaper(reaper)

	engine.Sweep(context.Background())

	assert.Equal(t, 1, reaper.calls)
	assert.Equal(t, 30*time.Second, reaper.threshold)
}

func TestSweep_RemovesTerminalTransfers(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Reject(context.Background(), tr.ID, "recipient1"))

	engine.Sweep(context.Background())

	_, ok := engine.Get(tr.ID)
	assert.False(t, ok)
}

func TestRemoveParty_ErrorsOutInFlightTransfers(t *testing.T) {
	engine, _, sender := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))

	engine.RemoveParty(context.Background(), "recipient1")

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateErrored, got.State)

	var sawDownloadError bool
	for _, f := range sender.framesFor("recipient1") {
		if _, ok := f.(wire.DownloadError); ok {
			sawDownloadError = true
		}
	}
	assert.True(t, sawDownloadError)
}

func TestForceRelease_CancelsActiveTransfer(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)

	assert.True(t, engine.ForceRelease(tr.ID))

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, got.State)

	assert.False(t, engine.ForceRelease("does-not-exist"))
}

func TestRequestMissingChunks_ReportsGaps(t *testing.T) {
	engine, _, sender := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 6}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 3, "AA=="))

	missing, err := engine.RequestMissingChunks(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, missing)

	var sawRequest bool
	for _, f := range sender.framesFor("sender1") {
		if _, ok := f.(wire.RequestMissingChunks); ok {
			sawRequest = true
		}
	}
	assert.True(t, sawRequest)
}

func TestOfferIsRejectedWhenSenderOffline(t *testing.T) {
	engine, devices, _ := newTestEngine(t)
	devices.MarkOffline("sender1")

	_, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	assert.ErrorIs(t, err, ErrSenderUnavailable)
}

func TestCompleteFromPeer_FinalizesNonTerminalTransferAndReleasesBudget(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 2, "AA=="))

	require.NoError(t, engine.CompleteFromPeer(context.Background(), tr.ID, "recipient1"))

	got, ok := engine.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, int64(0), engine.gov.HeapBytes())
}

func TestCompleteFromPeer_NoOpOnAlreadyTerminalTransfer(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Reject(context.Background(), tr.ID, "recipient1"))

	err = engine.CompleteFromPeer(context.Background(), tr.ID, "sender1")
	assert.ErrorIs(t, err, ErrBadState)
}

func TestReportProgress_RelaysToSenderAsTransferProgress(t *testing.T) {
	engine, _, sender := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))

	require.NoError(t, engine.ReportProgress(context.Background(), tr.ID, "recipient1", 42))

	var progress *wire.TransferProgress
	for _, f := range sender.framesFor("sender1") {
		if p, ok := f.(wire.TransferProgress); ok {
			progress = &p
		}
	}
	require.NotNil(t, progress)
	assert.Equal(t, 42, progress.Percent)
}

func TestReportProgress_RejectsNonReceiver(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)

	err = engine.ReportProgress(context.Background(), tr.ID, "sender1", 10)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestRequestDownload_RenotifiesSenderForAcceptedOffer(t *testing.T) {
	engine, _, sender := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))

	_, err = engine.RequestDownload(context.Background(), tr.ID, "recipient1")
	require.NoError(t, err)

	var started int
	for _, f := range sender.framesFor("sender1") {
		if _, ok := f.(wire.TransferStarted); ok {
			started++
		}
	}
	assert.Equal(t, 2, started, "accept and requestFileDownload should each trigger a transferStarted")
}

func TestRequestDownload_RejectsBeforeAccept(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 4}})
	require.NoError(t, err)

	_, err = engine.RequestDownload(context.Background(), tr.ID, "recipient1")
	assert.ErrorIs(t, err, ErrBadState)
}

func TestTransferActivityUpdatesOnChunk(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tr, err := engine.Offer(context.Background(), "sender1", "recipient1", []wire.FileMeta{{Name: "a.txt", Size: 6}})
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), tr.ID, "recipient1"))

	before, _ := engine.Get(tr.ID)
	firstActivity := before.Activity
	time.Sleep(time.Millisecond)
	require.NoError(t, engine.Chunk(context.Background(), tr.ID, 0, 3, "AA=="))

	after, _ := engine.Get(tr.ID)
	assert.True(t, after.Activity.After(firstActivity))
}
