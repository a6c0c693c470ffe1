package domain

import (
	"errors"
	"strings"
)

var (
	ErrSessionUnavailable    = errors.New("upstream session unavailable")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrStreamUnavailable     = errors.New("stream unavailable")
	ErrTranscoderUnavailable = errors.New("transcoder unavailable")
	ErrStreamNotFound        = errors.New("stream not found")
	ErrStreamStopped         = errors.New("stream stopped")
	ErrRestartsExhausted     = errors.New("transcoder restarts exhausted")
)

// StreamUnavailableError reports why no container could be negotiated.
// Details holds one "container: reason" entry per attempt.
type StreamUnavailableError struct {
	Channel string
	Details []string
}

func (e *StreamUnavailableError) Error() string {
	if len(e.Details) == 0 {
		return "no playable stream for " + e.Channel
	}
	return "no playable stream for " + e.Channel + ": " + strings.Join(e.Details, "; ")
}

func (e *StreamUnavailableError) Is(target error) bool {
	return target == ErrStreamUnavailable
}
