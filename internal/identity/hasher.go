// Package identity derives stable device ids from connection metadata.
package identity

import (
	"regexp"
	"strconv"
)

var mobileSafariUA = regexp.MustCompile(`(?i)iPhone|iPad|iPod`)

// IsMobileSafari reports whether the given user agent matches a mobile
// WebKit client (iPhone/iPad/iPod), for which the client address must be
// excluded from the identity seed.
func IsMobileSafari(userAgent string) bool {
	return mobileSafariUA.MatchString(userAgent)
}

// Derive returns a stable device id for the given connection metadata.
//
// For mobile Safari clients the remote address is excluded from the seed:
// mobile IPs churn across cellular/Wi-Fi handoffs and including them would
// fragment identity across reconnects. Collisions are tolerated by design —
// stability matters more than uniqueness.
func Derive(userAgent, remoteAddr, acceptLanguage string) string {
	mobile := IsMobileSafari(userAgent)

	seed := userAgent
	if !mobile {
		seed += "|" + remoteAddr
	}
	seed += "|" + acceptLanguage

	h := rollingHash(seed)
	if mobile {
		return "ios-" + strconv.FormatInt(int64(h), 36)
	}
	return "device-" + strconv.FormatInt(int64(h), 36)
}

// rollingHash reproduces Java's String.hashCode(): h = h*31 + c, over
// UTF-16 code units, as a signed 32-bit value.
func rollingHash(s string) int32 {
	var h int32
	for _, r := range utf16Units(s) {
		h = h*31 + int32(r)
	}
	return h
}

// utf16Units decomposes a string into UTF-16 code units, matching the
// semantics of a JavaScript/Java string hash over the same input.
func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xFFFF {
			units = append(units, uint16(r))
			continue
		}
		r -= 0x10000
		units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return units
}
