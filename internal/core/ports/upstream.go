package ports

import (
	"context"

	"vmsgate/internal/core/domain"
)

// SessionProvider hands out upstream session tokens.
type SessionProvider interface {
	GetSID(ctx context.Context, kind domain.SessionKind) (string, error)
	Invalidate(kind domain.SessionKind)
}

// StreamNegotiator obtains and keeps alive upstream video tokens.
type StreamNegotiator interface {
	NegotiateStream(ctx context.Context, channel string, containers []domain.Container) (domain.StreamInfo, error)
	PingToken(ctx context.Context, info domain.StreamInfo) error
}

// ChannelSource lists camera channels.
type ChannelSource interface {
	Channels(ctx context.Context) ([]domain.Channel, error)
}

// ScreenshotSource fetches one still image of a channel.
type ScreenshotSource interface {
	Screenshot(ctx context.Context, channel string) ([]byte, error)
}

// PosDirectory lists the objects the POS resolver indexes.
type PosDirectory interface {
	ChannelSource
	PosTerminals(ctx context.Context) ([]domain.PosTerminal, error)
}

// PosEventSource reads the POS event feed, optionally for one terminal.
type PosEventSource interface {
	PosEvents(ctx context.Context, terminal string) ([]domain.PosEvent, error)
}
