package utils

import (
	"github.com/google/uuid"
)

// NewStreamID returns a public stream identifier for a channel. It embeds
// the channel so operators can correlate logs with upstream objects.
func NewStreamID(channel string) string {
	return channel + "-" + uuid.NewString()
}

// NewConnectionID generates a unique client connection ID
func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}

// NewInstanceID identifies this gateway process on shared infrastructure.
func NewInstanceID() string {
	return "gw_" + uuid.NewString()
}
