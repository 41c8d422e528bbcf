// Package device implements the process-wide device catalog: identity,
// presence, and the channel binding maintained by the Connection Manager.
package device

import (
	"strings"
	"time"
)

// Type classifies the physical form factor of a connected client.
type Type string

const (
	TypeMobile  Type = "mobile"
	TypeTablet  Type = "tablet"
	TypeDesktop Type = "desktop"
	TypeUnknown Type = "unknown"
)

// Strength is the last connection quality reported by the client.
type Strength string

const (
	StrengthGood Strength = "good"
	StrengthFair Strength = "fair"
	StrengthPoor Strength = "poor"
)

// Channel is the minimal surface the device registry needs from a live
// connection: enough to detect that it is still open and to close it from
// outside the Connection Manager (duplicate resolution, expiry).
type Channel interface {
	Close() error
}

// Device is a logical endpoint identified by a stable derived id.
//
// Invariants: Online implies Channel is non-nil and open; RoomID non-empty
// implies the room exists and this device is among its members. The bound
// channel is transient state and is never persisted.
type Device struct {
	ID         string
	Name       string
	CustomName string
	Type       Type
	Platform   string
	Browser    string
	UserAgent  string

	Pinned bool

	Online   bool
	LastSeen time.Time
	RoomID   string

	ConnectionStrength Strength

	channel Channel
}

// DisplayName returns CustomName when set, otherwise the default Name.
func (d *Device) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	return d.Name
}

// Snapshot is the on-disk projection of a Device: no channel, no Online flag
// (both are transient connection state, reconstructed at connect time).
type Snapshot struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	CustomName         string    `json:"customName"`
	Type               Type      `json:"type"`
	Platform           string    `json:"platform"`
	Browser            string    `json:"browser"`
	UserAgent          string    `json:"userAgent"`
	Pinned             bool      `json:"pinned"`
	LastSeen           time.Time `json:"lastSeen"`
	RoomID             string    `json:"roomId,omitempty"`
	ConnectionStrength Strength  `json:"connectionStrength"`
}

// ToSnapshot projects a Device to its persisted form.
func (d *Device) ToSnapshot() Snapshot {
	return Snapshot{
		ID:                 d.ID,
		Name:               d.Name,
		CustomName:         d.CustomName,
		Type:               d.Type,
		Platform:           d.Platform,
		Browser:            d.Browser,
		UserAgent:          d.UserAgent,
		Pinned:             d.Pinned,
		LastSeen:           d.LastSeen,
		RoomID:             d.RoomID,
		ConnectionStrength: d.ConnectionStrength,
	}
}

// FromSnapshot reconstructs a Device loaded from disk: offline, unbound.
func FromSnapshot(s Snapshot) *Device {
	return &Device{
		ID:                 s.ID,
		Name:               s.Name,
		CustomName:         s.CustomName,
		Type:               s.Type,
		Platform:           s.Platform,
		Browser:            s.Browser,
		UserAgent:          s.UserAgent,
		Pinned:             s.Pinned,
		Online:             false,
		LastSeen:           s.LastSeen,
		RoomID:             s.RoomID,
		ConnectionStrength: s.ConnectionStrength,
		channel:            nil,
	}
}

// ListProjection is the field set sent to clients in a deviceList frame.
type ListProjection struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	OriginalName       string   `json:"originalName"`
	Type               Type     `json:"type"`
	Platform           string   `json:"platform"`
	Browser            string   `json:"browser"`
	Pinned             bool     `json:"pinned"`
	Online             bool     `json:"online"`
	LastSeen           string   `json:"lastSeen"`
	ConnectionStrength Strength `json:"connectionStrength"`
	HasCustomName      bool     `json:"hasCustomName"`
}

// Project builds the presence-broadcast projection for this device.
func (d *Device) Project() ListProjection {
	return ListProjection{
		ID:                 d.ID,
		Name:               d.DisplayName(),
		OriginalName:       d.Name,
		Type:               d.Type,
		Platform:           d.Platform,
		Browser:            d.Browser,
		Pinned:             d.Pinned,
		Online:             d.Online,
		LastSeen:           d.LastSeen.UTC().Format(time.RFC3339),
		ConnectionStrength: d.ConnectionStrength,
		HasCustomName:      d.CustomName != "",
	}
}

// DefaultNameFor derives a human label for a newly seen device from its
// platform classification, e.g. "desktop-a1b2".
func DefaultNameFor(t Type, id string) string {
	suffix := id
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return string(t) + "-" + suffix
}

// ClassifyUserAgent does a coarse platform/type/browser split from a raw UA
// string. It is intentionally simple: the relay never needs precise device
// detection, only a label to show in presence lists.
func ClassifyUserAgent(ua string) (t Type, platform string, browser string) {
	switch {
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPod"):
		return TypeMobile, "iOS", browserFrom(ua)
	case strings.Contains(ua, "iPad"):
		return TypeTablet, "iPadOS", browserFrom(ua)
	case strings.Contains(ua, "Android") && strings.Contains(ua, "Mobile"):
		return TypeMobile, "Android", browserFrom(ua)
	case strings.Contains(ua, "Android"):
		return TypeTablet, "Android", browserFrom(ua)
	case strings.Contains(ua, "Windows"):
		return TypeDesktop, "Windows", browserFrom(ua)
	case strings.Contains(ua, "Macintosh"):
		return TypeDesktop, "macOS", browserFrom(ua)
	case strings.Contains(ua, "Linux"):
		return TypeDesktop, "Linux", browserFrom(ua)
	default:
		return TypeUnknown, "unknown", browserFrom(ua)
	}
}

func browserFrom(ua string) string {
	switch {
	case strings.Contains(ua, "Edg/"):
		return "Edge"
	case strings.Contains(ua, "Chrome/"), strings.Contains(ua, "CriOS"):
		return "Chrome"
	case strings.Contains(ua, "Firefox/"):
		return "Firefox"
	case strings.Contains(ua, "Safari/") && !strings.Contains(ua, "Chrome/"):
		return "Safari"
	default:
		return "unknown"
	}
}
