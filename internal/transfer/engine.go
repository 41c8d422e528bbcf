// Package transfer implements the file-transfer state machine: offer,
// accept/reject, chunked streaming, and assembly, gated by the memory and
// concurrency Governor.
package transfer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a transfer's position in the offer -> stream -> terminal
// lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

func terminal(s State) bool {
	switch s {
	case StateRejected, StateCompleted, StateErrored, StateCancelled:
		return true
	default:
		return false
	}
}

// Sender delivers a wire frame to a device's live connection. It returns
// false if the device has no open channel.
type Sender interface {
	Send(deviceID string, frame any) bool
}

// ConnectionReaper closes connections idle longer than a threshold. It is
// satisfied by *transport.Hub; the emergency-cleanup branch of Sweep uses it
// to shed fragile idle sessions per spec's "close any channel idle > 30s"
// rule once the memory budget is blown.
type ConnectionReaper interface {
	CloseIdle(olderThan time.Duration) int
}

// Transfer is one file-transfer offer and its streaming state.
type Transfer struct {
	ID       string
	FromID   string
	ToID     string
	RoomID   string
	Files    []wire.FileMeta
	Size     int64
	State    State
	Created  time.Time
	Activity time.Time

	totalChunks int
	chunks      map[int]string
	reserved    bool
}

// stripDataURLPrefix removes a leading "data:...;base64," prefix a tolerant
// client may have left on a chunk payload, normalizing to strict base64.
func stripDataURLPrefix(data string) string {
	if !strings.HasPrefix(data, "data:") {
		return data
	}
	if idx := strings.Index(data, ","); idx >= 0 {
		return data[idx+1:]
	}
	return data
}

func (t *Transfer) receivedCount() int { return len(t.chunks) }

func (t *Transfer) missingChunks() []int {
	missing := make([]int, 0)
	for i := 0; i < t.totalChunks; i++ {
		if _, ok := t.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Engine owns every in-flight Transfer and enforces the Governor's budget.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*Transfer

	devices *device.Registry
	rooms   *room.Registry
	gov     *Governor
	sender  Sender
	reaper  ConnectionReaper
}

// NewEngine wires an Engine to its collaborators.
func NewEngine(devices *device.Registry, rooms *room.Registry, gov *Governor, sender Sender) *Engine {
	return &Engine{
		transfers: make(map[string]*Transfer),
		devices:   devices,
		rooms:     rooms,
		gov:       gov,
		sender:    sender,
	}
}

// SetConnectionReaper completes the Engine's wiring to the connection Hub so
// the emergency-cleanup sweep can close idle channels, not just evict
// transfers. Optional: a nil reaper simply skips that half of the sweep.
func (e *Engine) SetConnectionReaper(r ConnectionReaper) { e.reaper = r }

func totalSize(files []wire.FileMeta) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// Offer registers a new transfer from fromID to targetID and notifies the
// target with an incomingFile frame. Both devices must be online and share a
// room.
func (e *Engine) Offer(ctx context.Context, fromID, targetID string, files []wire.FileMeta) (*Transfer, error) {
	from, ok := e.devices.Get(fromID)
	if !ok || !from.Online {
		return nil, ErrSenderUnavailable
	}
	target, ok := e.devices.Get(targetID)
	if !ok {
		return nil, ErrTargetNotFound
	}
	if from.RoomID == "" || target.RoomID != from.RoomID {
		return nil, ErrCrossRoomTransfer
	}
	if !target.Online {
		return nil, ErrTargetOffline
	}
	if !e.gov.CanStartTransfer() {
		return nil, ErrTooManyTransfers
	}

	tr := &Transfer{
		ID:       uuid.NewString(),
		FromID:   fromID,
		ToID:     targetID,
		RoomID:   from.RoomID,
		Files:    files,
		Size:     totalSize(files),
		State:    StatePending,
		Created:  time.Now(),
		Activity: time.Now(),
		chunks:   make(map[int]string),
	}

	e.mu.Lock()
	e.transfers[tr.ID] = tr
	e.mu.Unlock()

	metrics.TransfersTotal.WithLabelValues("offered").Inc()
	e.sender.Send(targetID, wire.IncomingFile{
		Type:         "incomingFile",
		TransferID:   tr.ID,
		FromDeviceID: fromID,
		Files:        files,
	})
	logging.Info(ctx, "transfer offered", zap.String("transfer_id", tr.ID), zap.String("from", fromID), zap.String("to", targetID))
	return tr, nil
}

// Accept transitions a pending transfer to accepted and tells the sender to
// begin streaming.
func (e *Engine) Accept(ctx context.Context, transferID, byID string) error {
	tr, err := e.mutate(transferID, byID, true, func(tr *Transfer) error {
		if tr.State != StatePending {
			return ErrBadState
		}
		tr.State = StateAccepted
		return nil
	})
	if err != nil {
		return err
	}
	e.sender.Send(tr.FromID, wire.TransferStarted{Type: "transferStarted", TransferID: tr.ID})
	return nil
}

// Reject transitions a pending transfer to rejected and releases it.
func (e *Engine) Reject(ctx context.Context, transferID, byID string) error {
	tr, err := e.mutate(transferID, byID, true, func(tr *Transfer) error {
		if tr.State != StatePending {
			return ErrBadState
		}
		tr.State = StateRejected
		return nil
	})
	if err != nil {
		return err
	}
	e.finish(tr)
	e.sender.Send(tr.FromID, wire.TransferError{Type: "transferError", TransferID: tr.ID, Message: "recipient declined the transfer"})
	return nil
}

// Cancel moves a transfer to cancelled from any non-terminal state, notifying
// the other party.
func (e *Engine) Cancel(ctx context.Context, transferID, byID string) error {
	tr, err := e.mutate(transferID, byID, false, func(tr *Transfer) error {
		if terminal(tr.State) {
			return ErrBadState
		}
		tr.State = StateCancelled
		return nil
	})
	if err != nil {
		return err
	}
	e.finish(tr)
	other := tr.ToID
	if byID == tr.ToID {
		other = tr.FromID
	}
	e.sender.Send(other, wire.TransferError{Type: "transferError", TransferID: tr.ID, Message: "transfer was cancelled"})
	return nil
}

// mutate looks up a transfer, verifies byID is a party to it (or skips that
// check when requireTarget is false and the actor is the sender instead), and
// applies fn under the engine lock.
func (e *Engine) mutate(transferID, byID string, requireTarget bool, fn func(*Transfer) error) (*Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.transfers[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	if requireTarget && byID != tr.ToID {
		return nil, ErrBadState
	}
	if !requireTarget && byID != tr.ToID && byID != tr.FromID {
		return nil, ErrBadState
	}
	if err := fn(tr); err != nil {
		return nil, err
	}
	tr.Activity = time.Now()
	return tr, nil
}

// Chunk appends one chunk of data to a streaming transfer. The first chunk
// reserves the transfer's declared size against the memory budget; the final
// chunk (a dense [0,totalChunks) set) triggers assembly and completion.
func (e *Engine) Chunk(ctx context.Context, transferID string, chunkIndex, totalChunks int, data string) error {
	e.mu.Lock()
	tr, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if terminal(tr.State) {
		e.mu.Unlock()
		return ErrBadState
	}
	if tr.State == StateAccepted {
		if e.gov.OverBudget() {
			e.mu.Unlock()
			e.errorOut(ctx, tr, ErrMemoryExhausted)
			return ErrMemoryExhausted
		}
		tr.State = StateStreaming
		tr.reserved = true
		tr.totalChunks = totalChunks
		e.gov.BeginStreaming()
		e.gov.Reserve(tr.Size)
	} else if tr.totalChunks != totalChunks {
		e.mu.Unlock()
		e.errorOut(ctx, tr, ErrAssemblyFailed)
		return ErrAssemblyFailed
	}
	tr.chunks[chunkIndex] = stripDataURLPrefix(data)
	tr.Activity = time.Now()
	received := tr.receivedCount()
	complete := received >= totalChunks
	percent := 0
	if totalChunks > 0 {
		percent = received * 100 / totalChunks
	}
	fromID, toID, id := tr.FromID, tr.ToID, tr.ID
	e.mu.Unlock()

	e.sender.Send(toID, wire.UploadProgress{Type: "uploadProgress", TransferID: id, ReceivedChunks: received, TotalChunks: totalChunks, Percent: percent})
	e.sender.Send(fromID, wire.TransferProgress{Type: "transferProgress", TransferID: id, Percent: percent})

	if complete {
		e.complete(ctx, transferID)
	}
	return nil
}

// RequestMissingChunks reports which chunk indices a streaming transfer still
// lacks and asks the sender to resend them.
func (e *Engine) RequestMissingChunks(ctx context.Context, transferID string) ([]int, error) {
	e.mu.Lock()
	tr, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	missing := tr.missingChunks()
	fromID, totalChunks := tr.FromID, tr.totalChunks
	e.mu.Unlock()

	if len(missing) > 0 {
		e.sender.Send(fromID, wire.RequestMissingChunks{
			Type:          "requestMissingChunks",
			TransferID:    transferID,
			MissingChunks: missing,
			TotalChunks:   totalChunks,
		})
	}
	return missing, nil
}

// CompleteFromPeer handles an inbound fileComplete acknowledgement from
// either the sender or receiver, finalizing a transfer that has not yet
// reached a terminal state and releasing its buffers. A transfer the engine
// already completed itself (the normal last-chunk path) is a no-op here.
func (e *Engine) CompleteFromPeer(ctx context.Context, transferID, byID string) error {
	tr, err := e.mutate(transferID, byID, false, func(tr *Transfer) error {
		if terminal(tr.State) {
			return ErrBadState
		}
		tr.State = StateCompleted
		return nil
	})
	if err != nil {
		return err
	}
	e.finish(tr)
	metrics.TransfersTotal.WithLabelValues("completed").Inc()
	logging.Info(ctx, "transfer completed by peer acknowledgement", zap.String("transfer_id", tr.ID), zap.String("by", byID))
	return nil
}

// ReportProgress relays the receiver's reassembly progress to the sender's
// UI (spec's fileProgress is receiver-reported, forwarded as transferProgress).
func (e *Engine) ReportProgress(ctx context.Context, transferID, byID string, percent int) error {
	e.mu.Lock()
	tr, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if byID != tr.ToID {
		e.mu.Unlock()
		return ErrBadState
	}
	tr.Activity = time.Now()
	fromID, id := tr.FromID, tr.ID
	e.mu.Unlock()

	e.sender.Send(fromID, wire.TransferProgress{Type: "transferProgress", TransferID: id, Percent: percent})
	return nil
}

// RequestDownload lets the receiver of a previously accepted offer (re-)pull
// the file, re-notifying the sender to (re)start streaming. This covers a
// receiver that reconnected after accepting but before the sender's chunks
// arrived, or simply missed the original transferStarted signal.
func (e *Engine) RequestDownload(ctx context.Context, transferID, byID string) (*Transfer, error) {
	e.mu.Lock()
	tr, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if byID != tr.ToID {
		e.mu.Unlock()
		return nil, ErrBadState
	}
	if tr.State != StateAccepted && tr.State != StateStreaming {
		e.mu.Unlock()
		return nil, ErrBadState
	}
	fromID, id := tr.FromID, tr.ID
	e.mu.Unlock()

	e.sender.Send(fromID, wire.TransferStarted{Type: "transferStarted", TransferID: id})
	return tr, nil
}

// complete assembles the buffered chunks into one blob and notifies both
// parties, releasing the transfer's governor reservation exactly once.
func (e *Engine) complete(ctx context.Context, transferID string) {
	e.mu.Lock()
	tr, ok := e.transfers[transferID]
	if !ok || terminal(tr.State) {
		e.mu.Unlock()
		return
	}
	var b strings.Builder
	for i := 0; i < tr.totalChunks; i++ {
		part, ok := tr.chunks[i]
		if !ok {
			e.mu.Unlock()
			e.errorOut(ctx, tr, ErrAssemblyFailed)
			return
		}
		b.WriteString(part)
	}
	assembled := b.String()
	tr.State = StateCompleted
	fromID, toID, id := tr.FromID, tr.ToID, tr.ID
	e.mu.Unlock()

	e.finish(tr)
	metrics.TransfersTotal.WithLabelValues("completed").Inc()
	e.sender.Send(toID, wire.FileCompleteOut{Type: "fileComplete", TransferID: id, FileData: assembled})
	e.sender.Send(fromID, wire.TransferComplete{Type: "transferComplete", TransferID: id})
	logging.Info(ctx, "transfer completed", zap.String("transfer_id", id))
}

func (e *Engine) errorOut(ctx context.Context, tr *Transfer, cause *Error) {
	e.mu.Lock()
	if terminal(tr.State) {
		e.mu.Unlock()
		return
	}
	tr.State = StateErrored
	fromID, toID, id := tr.FromID, tr.ToID, tr.ID
	e.mu.Unlock()

	e.finish(tr)
	metrics.TransfersTotal.WithLabelValues("errored").Inc()
	logging.Warn(ctx, "transfer errored", zap.String("transfer_id", id), zap.String("code", cause.Code))
	e.sender.Send(fromID, wire.TransferError{Type: "transferError", TransferID: id, Message: cause.Message})
	e.sender.Send(toID, wire.DownloadError{Type: "downloadError", TransferID: id, Message: cause.Message})
}

// finish releases a terminal transfer's governor reservation exactly once
// and drops its chunk buffer.
func (e *Engine) finish(tr *Transfer) {
	e.mu.Lock()
	reserved := tr.reserved
	tr.reserved = false
	tr.chunks = nil
	e.mu.Unlock()
	if reserved {
		e.gov.Release(tr.Size)
	}
}

// Get returns a transfer by id.
func (e *Engine) Get(transferID string) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.transfers[transferID]
	return tr, ok
}

// ActiveCount returns the number of currently streaming transfers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, tr := range e.transfers {
		if tr.State == StateStreaming {
			n++
		}
	}
	return n
}

// ForceRelease administratively terminates a transfer and releases its
// buffers, used by the DELETE /api/transfers/:id operator endpoint. Reports
// false if the transfer is unknown.
func (e *Engine) ForceRelease(transferID string) bool {
	e.mu.Lock()
	tr, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if terminal(tr.State) {
		e.mu.Unlock()
		return true
	}
	tr.State = StateCancelled
	e.mu.Unlock()

	e.finish(tr)
	return true
}

// RemoveParty terminates and errors out any transfer involving deviceID that
// has not yet reached a terminal state, used when a connection drops mid
// stream.
func (e *Engine) RemoveParty(ctx context.Context, deviceID string) {
	e.mu.Lock()
	var affected []*Transfer
	for _, tr := range e.transfers {
		if !terminal(tr.State) && (tr.FromID == deviceID || tr.ToID == deviceID) {
			affected = append(affected, tr)
		}
	}
	e.mu.Unlock()
	for _, tr := range affected {
		e.errorOut(ctx, tr, ErrTargetOffline)
	}
}

// emergencyIdleCloseThreshold is how idle a connection must be before the
// budget-exhaustion branch of Sweep forces it closed, independent of the
// janitor's much coarser 5-minute inactivity sweep.
const emergencyIdleCloseThreshold = 30 * time.Second

// Sweep evicts aged transfers to keep memory and bookkeeping bounded: once
// over the warning threshold it drops streaming transfers idle more than five
// minutes; if still over the hard budget it keeps only the five most
// recently created streaming transfers, errors out the rest, and closes any
// connection that has been idle more than 30s.
func (e *Engine) Sweep(ctx context.Context) {
	if e.gov.OverWarning() {
		e.mu.Lock()
		var stale []*Transfer
		cutoff := time.Now().Add(-5 * time.Minute)
		for _, tr := range e.transfers {
			if tr.State == StateStreaming && tr.Activity.Before(cutoff) {
				stale = append(stale, tr)
			}
		}
		e.mu.Unlock()
		for _, tr := range stale {
			e.errorOut(ctx, tr, ErrMemoryExhausted)
		}
		metrics.GovernorSweeps.WithLabelValues("warning").Inc()
	}

	if e.gov.OverBudget() {
		e.mu.Lock()
		var streaming []*Transfer
		for _, tr := range e.transfers {
			if tr.State == StateStreaming {
				streaming = append(streaming, tr)
			}
		}
		e.mu.Unlock()

		if len(streaming) > 5 {
			for i := range streaming {
				for j := i + 1; j < len(streaming); j++ {
					if streaming[j].Created.After(streaming[i].Created) {
						streaming[i], streaming[j] = streaming[j], streaming[i]
					}
				}
			}
			for _, tr := range streaming[5:] {
				e.errorOut(ctx, tr, ErrMemoryExhausted)
			}
			metrics.GovernorSweeps.WithLabelValues("emergency").Inc()
		}

		if e.reaper != nil {
			closed := e.reaper.CloseIdle(emergencyIdleCloseThreshold)
			if closed > 0 {
				logging.Info(ctx, "emergency sweep closed idle connections", zap.Int("closed", closed))
			}
		}
	}

	e.mu.Lock()
	for id, tr := range e.transfers {
		if terminal(tr.State) {
			delete(e.transfers, id)
		}
	}
	e.mu.Unlock()
}
