package ports

import (
	"context"

	"vmsgate/internal/core/domain"
)

// TranscodeSpec describes one transcoder run.
type TranscodeSpec struct {
	Channel  string
	Input    domain.StreamInfo
	StreamID string
}

// Transcoder spawns processes converting an upstream URL into the relay format.
type Transcoder interface {
	Available() bool
	// Start launches a process. onChunk is called sequentially from a single
	// goroutine for every piece of output until the process ends.
	Start(ctx context.Context, spec TranscodeSpec, onChunk func([]byte)) (Process, error)
}

// Process is a running transcoder.
type Process interface {
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Err reports why the process ended; nil means a clean exit. Valid after Done.
	Err() error
	// Kill requests termination without waiting for it. Safe to call repeatedly.
	Kill()
}

// StreamMember is a control connection subscribed to a stream.
type StreamMember interface {
	ID() string
	// OnStreamFailed is called once when the stream gives up after exhausting restarts.
	OnStreamFailed(channel string, err error)
}

// StreamRegistry is the supervisor surface used by connection handling.
type StreamRegistry interface {
	Acquire(ctx context.Context, channel string, member StreamMember) (domain.StreamHandle, error)
	Release(memberID string)
	AttachSink(streamID string, sink FrameSink) error
	DetachSink(streamID, sinkID string)
	Snapshot() []domain.StreamStatus
}

// GatewayMetrics receives operational measurements.
type GatewayMetrics interface {
	UpstreamRequest(endpoint, outcome string)
	SessionAcquired(kind domain.SessionKind)
	SessionFallback(endpoint string)
	StreamStarted()
	StreamStopped()
	StreamRestart(channel string)
	StreamFallback(channel string)
	MembersChanged(delta int)
	SinksChanged(delta int)
	BytesRelayed(n int)
	ConnectionOpened()
	ConnectionClosed()
	ModeChanged(from, to domain.DeliveryMode)
	PosEventsDelivered(n int)
}

// EventPublisher broadcasts stream lifecycle events. Implementations must not block.
type EventPublisher interface {
	PublishStreamEvent(event domain.StreamEvent)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) UpstreamRequest(string, string) {}
func (NopMetrics) SessionAcquired(domain.SessionKind) {}
func (NopMetrics) SessionFallback(string) {}
func (NopMetrics) StreamStarted() {}
func (NopMetrics) StreamStopped() {}
func (NopMetrics) StreamRestart(string) {}
func (NopMetrics) StreamFallback(string) {}
func (NopMetrics) MembersChanged(int) {}
func (NopMetrics) SinksChanged(int) {}
func (NopMetrics) BytesRelayed(int) {}
func (NopMetrics) ConnectionOpened() {}
func (NopMetrics) ConnectionClosed() {}
func (NopMetrics) ModeChanged(domain.DeliveryMode, domain.DeliveryMode) {}
func (NopMetrics) PosEventsDelivered(int) {}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishStreamEvent(domain.StreamEvent) {}
