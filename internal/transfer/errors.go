package transfer

import "github.com/FabeYT/smartshare/internal/wire"

// Error is a transfer-domain error carrying a wire taxonomy code alongside the
// human-readable message. Frames sent to clients carry the message; the code
// is only written to the log.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newErr(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrTargetNotFound    = newErr(wire.ErrTargetNotFound, "target device not found")
	ErrCrossRoomTransfer = newErr(wire.ErrCrossRoomTransfer, "target device is not in the same room")
	ErrTargetOffline     = newErr(wire.ErrTargetOffline, "target device is offline")
	ErrMemoryExhausted   = newErr(wire.ErrMemoryExhausted, "server memory budget exhausted")
	ErrSenderUnavailable = newErr(wire.ErrSenderUnavailable, "sending device is offline")
	ErrAssemblyFailed    = newErr(wire.ErrAssemblyFailed, "failed to assemble transfer")
	ErrNotFound          = newErr("TransferNotFound", "transfer not found")
	ErrBadState          = newErr("TransferBadState", "transfer is not in a valid state for this operation")
	ErrTooManyTransfers  = newErr("TooManyTransfers", "too many concurrent transfers")
)
