package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"vmsgate/internal/core/domain"
	"vmsgate/pkg/utils"
)

const (
	classChannel     = "Channel"
	classPosTerminal = "PosTerminal"
)

var (
	channelAliasFields  = []string{"name", "title", "display_name", "short_name"}
	terminalLinkFields  = []string{"channel", "channel_guid", "video_channel"}
	posTimestampFields  = []string{"event_timestamp", "timestamp", "time"}
	terminalAliasFields = []string{"name", "title", "channel_name"}
)

// Health proxies the platform health endpoint.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	body, err := c.Do(ctx, Request{Name: "health", Path: "/health", Session: domain.SessionService})
	if err != nil {
		return nil, err
	}
	obj, ok := decodeObject(body)
	if !ok {
		return nil, fmt.Errorf("upstream health: unexpected body")
	}
	return obj, nil
}

// Objects lists the object tree.
func (c *Client) Objects(ctx context.Context) ([]domain.Object, error) {
	body, err := c.Do(ctx, Request{Name: "objects", Path: "/objects/", Session: domain.SessionService})
	if err != nil {
		return nil, err
	}
	records, err := decodeList(body, "data", "objects")
	if err != nil {
		return nil, fmt.Errorf("decoding objects: %w", err)
	}

	objects := make([]domain.Object, 0, len(records))
	for _, r := range records {
		objects = append(objects, domain.Object{
			GUID:   asString(r["guid"]),
			Name:   asString(r["name"]),
			Class:  asString(r["class"]),
			Fields: r,
		})
	}
	return objects, nil
}

// Channels lists cameras. The operator channel list is preferred; when it
// fails or is empty, channel objects from the object tree are used.
func (c *Client) Channels(ctx context.Context) ([]domain.Channel, error) {
	kind := domain.SessionService
	if c.hasOperator() {
		kind = domain.SessionOperator
	}

	channels, err := c.channelList(ctx, kind)
	if err == nil && len(channels) > 0 {
		return channels, nil
	}
	if err != nil {
		c.logger.Warnw("channel list unavailable, using object tree", "error", err)
	}

	objects, err := c.Objects(ctx)
	if err != nil {
		return nil, err
	}
	channels = channels[:0]
	for _, o := range objects {
		if o.Class == classChannel && o.GUID != "" {
			channels = append(channels, channelFromRecord(o.Fields))
		}
	}
	return channels, nil
}

func (c *Client) channelList(ctx context.Context, kind domain.SessionKind) ([]domain.Channel, error) {
	body, err := c.Do(ctx, Request{Name: "channels", Path: "/channels", Session: kind})
	if err != nil {
		return nil, err
	}
	records, err := decodeList(body, "channels", "remote_channels", "zombies")
	if err != nil {
		return nil, fmt.Errorf("decoding channels: %w", err)
	}

	channels := make([]domain.Channel, 0, len(records))
	for _, r := range records {
		if ch := channelFromRecord(r); ch.GUID != "" {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}

func channelFromRecord(r map[string]interface{}) domain.Channel {
	ch := domain.Channel{
		GUID:    asString(r["guid"]),
		Name:    asString(r["name"]),
		Codec:   asString(r["codec"]),
		HavePTZ: asBool(r["have_ptz"]),
		Rights:  r["rights"],
		Aliases: aliases(r, channelAliasFields),
	}
	if ch.Name == "" {
		ch.Name = ch.GUID
	}
	return ch
}

// PosTerminals lists POS terminal objects with their explicit channel links.
func (c *Client) PosTerminals(ctx context.Context) ([]domain.PosTerminal, error) {
	objects, err := c.Objects(ctx)
	if err != nil {
		return nil, err
	}

	var terminals []domain.PosTerminal
	for _, o := range objects {
		if o.Class != classPosTerminal || o.GUID == "" {
			continue
		}
		t := domain.PosTerminal{
			GUID: o.GUID,
			Name: utils.FirstNonEmpty(o.Name, o.GUID),
		}
		for _, f := range terminalLinkFields {
			if link := asString(o.Fields[f]); link != "" {
				t.Links = append(t.Links, link)
			}
		}
		t.Aliases = aliases(o.Fields, terminalAliasFields)
		terminals = append(terminals, t)
	}
	return terminals, nil
}

// PosEvents reads the POS event feed, filtered to terminal when set.
func (c *Client) PosEvents(ctx context.Context, terminal string) ([]domain.PosEvent, error) {
	params := url.Values{}
	if terminal != "" {
		params.Set("terminal", terminal)
	}
	body, err := c.Do(ctx, Request{Name: "pos_events", Path: "/pos_events", Params: params, Session: domain.SessionService})
	if err != nil {
		return nil, err
	}
	records, err := decodeList(body, "data", "events")
	if err != nil {
		return nil, fmt.Errorf("decoding pos events: %w", err)
	}

	events := make([]domain.PosEvent, 0, len(records))
	for _, r := range records {
		ev := domain.PosEvent{Raw: r}
		for _, f := range posTimestampFields {
			if v, ok := r[f]; ok {
				if ts, ok := utils.ParseTimestamp(v); ok {
					ev.Timestamp, ev.HasTimestamp = ts, true
					break
				}
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// VideoToken asks for a stream token of one container.
func (c *Client) VideoToken(ctx context.Context, channel string, container domain.Container) (string, error) {
	if !c.hasOperator() {
		return "", fmt.Errorf("%w: video tokens need operator credentials", domain.ErrSessionUnavailable)
	}
	params := url.Values{
		"channel":   {channel},
		"stream":    {"main"},
		"container": {string(container)},
	}
	body, err := c.Do(ctx, Request{Name: "get_video", Path: "/get_video", Params: params, Session: domain.SessionOperator})
	if err != nil {
		return "", err
	}
	obj, ok := decodeObject(body)
	if !ok {
		return "", &Error{Endpoint: "get_video", Status: 200, Fault: FaultRejected, Code: "malformed response"}
	}
	token := asString(obj["token"])
	if token == "" {
		return "", &Error{Endpoint: "get_video", Status: 200, Fault: FaultRejected, Code: "no token"}
	}
	return token, nil
}

// NegotiateStream tries each container in order and returns the first that
// yields a token. When none does the error is a *domain.StreamUnavailableError
// listing every attempt.
func (c *Client) NegotiateStream(ctx context.Context, channel string, containers []domain.Container) (domain.StreamInfo, error) {
	if !c.hasOperator() {
		return domain.StreamInfo{}, fmt.Errorf("%w: video tokens need operator credentials", domain.ErrSessionUnavailable)
	}
	var details []string
	for _, container := range containers {
		token, err := c.VideoToken(ctx, channel, container)
		if err == nil {
			return domain.StreamInfo{
				URL:       c.transport.MediaURL(container, token),
				Container: container,
				Token:     token,
			}, nil
		}
		if ctx.Err() != nil {
			return domain.StreamInfo{}, ctx.Err()
		}
		details = append(details, fmt.Sprintf("%s: %s", container, failureReason(err)))
	}
	return domain.StreamInfo{}, &domain.StreamUnavailableError{Channel: channel, Details: details}
}

// PingToken keeps a negotiated token alive.
func (c *Client) PingToken(ctx context.Context, info domain.StreamInfo) error {
	return c.transport.Ping(ctx, info.Token)
}

// Screenshot fetches one still image. An empty result is not an error.
func (c *Client) Screenshot(ctx context.Context, channel string) ([]byte, error) {
	return c.Do(ctx, Request{
		Name:    "screenshot",
		Path:    "/screenshot/" + url.PathEscape(channel),
		Session: domain.SessionService,
	})
}

func (c *Client) hasOperator() bool {
	type operatorAware interface{ HasOperator() bool }
	if oa, ok := c.sessions.(operatorAware); ok {
		return oa.HasOperator()
	}
	return true
}

func failureReason(err error) string {
	var upErr *Error
	if errors.As(err, &upErr) && upErr.Code != "" {
		return upErr.Code
	}
	return err.Error()
}

func aliases(r map[string]interface{}, fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		n := utils.NormalizeName(asString(r[f]))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
