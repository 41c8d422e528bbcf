// Package wire defines the JSON frame envelope and payload shapes exchanged
// over the relay's WebSocket channel, grounded on the {type, ...fields}
// discriminated-union idiom used throughout the retrieved pack's chat/relay
// examples.
package wire

import "encoding/json"

// Envelope is the outer shape of every inbound and outbound frame: a type
// discriminator plus the type-specific fields, deferred as raw JSON so the
// router can dispatch before fully decoding the payload.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// FileMeta describes one file within a transfer offer.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// --- Inbound payloads -------------------------------------------------

type ClientIdentify struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId,omitempty"`
	Language        string `json:"language,omitempty"`
	PreviousSession string `json:"previousSession,omitempty"`
}

type DeviceInfo struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	CustomName string `json:"customName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

type UpdateDeviceName struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type CreateRoom struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type JoinRoom struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type LeaveRoom struct {
	Type string `json:"type"`
}

type FileTransfer struct {
	Type         string     `json:"type"`
	TransferID   string     `json:"transferId,omitempty"`
	TargetDevice string     `json:"targetDeviceId"`
	Files        []FileMeta `json:"files"`
}

type TransferAccepted struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type TransferRejected struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type FileChunk struct {
	Type        string `json:"type"`
	TransferID  string `json:"transferId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	FileSize    int64  `json:"fileSize"`
	Data        string `json:"data"`
}

type FileComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type FileProgress struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Percent    int    `json:"percent"`
}

type RequestMissingChunks struct {
	Type           string `json:"type"`
	TransferID     string `json:"transferId"`
	MissingChunks  []int  `json:"missingChunks"`
	TotalChunks    int    `json:"totalChunks"`
}

type RequestFileDownload struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type TogglePinDevice struct {
	Type     string `json:"type"`
	TargetID string `json:"targetDeviceId"`
}

type FileCancel struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// --- Outbound payloads --------------------------------------------------

type Welcome struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	ChunkSize int64  `json:"chunkSize"`
}

type DeviceList struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Devices []any  `json:"devices"`
}

type DeviceJoined struct {
	Type        string `json:"type"`
	DeviceID    string `json:"deviceId"`
	DeviceCount int    `json:"deviceCount"`
}

type DeviceLeft struct {
	Type        string `json:"type"`
	DeviceID    string `json:"deviceId"`
	DeviceCount int    `json:"deviceCount"`
}

type IncomingFile struct {
	Type         string     `json:"type"`
	TransferID   string     `json:"transferId"`
	FromDeviceID string     `json:"fromDeviceId"`
	Files        []FileMeta `json:"files"`
}

type TransferStarted struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type UploadProgress struct {
	Type           string `json:"type"`
	TransferID     string `json:"transferId"`
	ReceivedChunks int    `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	Percent        int    `json:"percent"`
}

type TransferComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type TransferProgress struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Percent    int    `json:"percent"`
}

type SendFileData struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

type FileCompleteOut struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	FileData   string `json:"fileData"`
}

type DownloadError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Message    string `json:"message"`
}

type TransferError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId,omitempty"`
	Message    string `json:"message"`
}

type RoomError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type RoomJoined struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	Name        string `json:"name"`
	DeviceCount int    `json:"deviceCount"`
}

type RoomCreated struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type RoomLeft struct {
	Type string `json:"type"`
}

type DuplicateConnection struct {
	Type               string `json:"type"`
	KeepThisConnection bool   `json:"keepThisConnection"`
}

type DeviceNameUpdated struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error taxonomy names. The transfer names are the codes of transfer.Error
// values, which are logged; transferError and error frames carry
// human-readable messages instead. Room errors use the same strings as their
// roomError messages.
const (
	ErrUnknownMessageType = "UnknownMessageType"
	ErrMalformedFrame     = "MalformedFrame"

	ErrRoomNameEmpty     = "RoomNameEmpty"
	ErrRoomNotFound      = "RoomNotFound"
	ErrRoomAlreadyExists = "RoomAlreadyExists"

	ErrTargetNotFound    = "TargetNotFound"
	ErrCrossRoomTransfer = "CrossRoomTransfer"
	ErrTargetOffline     = "TargetOffline"
	ErrMemoryExhausted   = "MemoryExhausted"
	ErrSenderUnavailable = "SenderUnavailable"
	ErrAssemblyFailed    = "AssemblyFailed"

	ErrDuplicateConnection = "DuplicateConnection"
	ErrInactivity          = "Inactivity"
)
