package domain

import (
	"fmt"
	"time"
)

// Container is an upstream stream transport negotiated per channel.
type Container string

const (
	ContainerFLV   Container = "flv"
	ContainerMJPEG Container = "mjpeg"
	ContainerRTSP  Container = "rtsp"
)

// ParseContainers converts configuration strings into containers, keeping order.
func ParseContainers(values []string) []Container {
	out := make([]Container, 0, len(values))
	for _, v := range values {
		out = append(out, Container(v))
	}
	return out
}

// StreamInfo is the outcome of a successful token negotiation.
type StreamInfo struct {
	URL       string
	Container Container
	Token     string
}

// StreamHandle is what a subscriber learns about the stream it joined.
type StreamHandle struct {
	ID        string    `json:"streamId"`
	Channel   string    `json:"guid"`
	Container Container `json:"container"`
}

// StreamStatus is a point-in-time view of a supervised stream.
type StreamStatus struct {
	ID              string      `json:"id"`
	Channel         string      `json:"guid"`
	Container       Container   `json:"container,omitempty"`
	Members         int         `json:"members"`
	Sinks           int         `json:"sinks"`
	RestartAttempts int         `json:"restart_attempts"`
	Blacklist       []Container `json:"blacklist,omitempty"`
	Launching       bool        `json:"launching"`
	Running         bool        `json:"running"`
	StartedAt       time.Time   `json:"started_at"`
	LastOutput      time.Time   `json:"last_output,omitempty"`
}

// DeliveryMode is the active delivery of a client connection.
type DeliveryMode int

const (
	ModeNone DeliveryMode = iota
	ModeVideo
	ModeScreenshot
)

func (m DeliveryMode) String() string {
	switch m {
	case ModeVideo:
		return "video"
	case ModeScreenshot:
		return "screenshot"
	default:
		return "none"
	}
}

// RequestedMode is what a client asked for in a subscribe message.
type RequestedMode int

const (
	RequestAuto RequestedMode = iota
	RequestVideo
	RequestScreenshot
)

// ParseRequestedMode maps the wire value. Empty means auto.
func ParseRequestedMode(s string) (RequestedMode, error) {
	switch s {
	case "", "auto":
		return RequestAuto, nil
	case "video":
		return RequestVideo, nil
	case "screenshot":
		return RequestScreenshot, nil
	}
	return RequestAuto, fmt.Errorf("unknown mode %q", s)
}

// StreamEventType names lifecycle transitions of a supervised stream.
type StreamEventType string

const (
	StreamStarted    StreamEventType = "stream.started"
	StreamRestarting StreamEventType = "stream.restarting"
	StreamFallback   StreamEventType = "stream.fallback"
	StreamStopped    StreamEventType = "stream.stopped"
)

// StreamEvent is published to other gateway instances and dashboards.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	StreamID  string          `json:"stream_id"`
	Channel   string          `json:"guid"`
	Container Container       `json:"container,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}
