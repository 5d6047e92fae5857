package api

import "time"

// Real-time channel reconnection.
const (
	// WSReconnectInterval is the fixed delay between reconnection attempts.
	WSReconnectInterval = 3 * time.Second
	// WSMaxReconnectAttempts bounds reconnection after a lost channel.
	WSMaxReconnectAttempts = 10
)

// Pagination.
const (
	// MessagePageSize is the fixed page size of the message listing.
	MessagePageSize = 50
)

// Input limits enforced client-side before submission.
const (
	MaxMessageLength     = 4000
	MaxUsernameLength    = 32
	MaxDisplayNameLength = 64
	MaxChannelNameLength = 100
	// MaxImageSize is the upload size limit in bytes.
	MaxImageSize = 5 * 1024 * 1024
)

// AccessTokenExpiry is the nominal lifetime of an access token. The
// client never schedules on it; it refreshes reactively on 401.
const AccessTokenExpiry = 15 * time.Minute

// AllowedImageTypes lists the content types accepted by /api/upload.
var AllowedImageTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
}
