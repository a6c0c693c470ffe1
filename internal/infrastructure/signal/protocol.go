package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/services"
	"vmsgate/pkg/utils"
	"vmsgate/pkg/validation"
)

// Inbound control message types.
const (
	TypeSubscribe    = "subscribe"
	TypeStop         = "stop"
	TypeSubscribePos = "subscribe-pos-events"
	TypeStopPos      = "stop-pos-events"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Inbound is a parsed control message.
type Inbound struct {
	Type string
	GUID string
	Mode domain.RequestedMode
	Pos  services.PosParams
}

type wireMessage struct {
	Type    string         `json:"type"`
	GUID    string         `json:"guid"`
	Camera  string         `json:"camera"`
	Channel string         `json:"channel"`
	Mode    string         `json:"mode"`
	Params  *wirePosParams `json:"params"`
}

type wirePosParams struct {
	Terminal string      `json:"terminal"`
	Channel  string      `json:"channel"`
	Interval interface{} `json:"interval"` // milliseconds
	Since    interface{} `json:"since"`
}

// ParseInbound decodes one client message. Anything that is not a JSON
// object is taken as a channel identifier and becomes a subscribe in
// defaultMode. Objects without a type but with a guid are subscribes too,
// and camera or channel stand in for a missing guid.
func ParseInbound(raw []byte, defaultMode domain.RequestedMode) (Inbound, error) {
	text := bytes.TrimSpace(raw)
	if len(text) == 0 {
		return Inbound{}, ErrMalformedMessage
	}

	var msg wireMessage
	if err := json.Unmarshal(text, &msg); err != nil {
		guid := string(text)
		var quoted string
		if json.Unmarshal(text, &quoted) == nil {
			guid = quoted
		}
		return subscribe(guid, "", defaultMode)
	}

	if msg.GUID == "" {
		msg.GUID = utils.FirstNonEmpty(msg.Camera, msg.Channel)
	}
	if msg.Type == "" && msg.GUID != "" {
		msg.Type = TypeSubscribe
	}

	switch msg.Type {
	case TypeSubscribe:
		return subscribe(msg.GUID, msg.Mode, defaultMode)
	case TypeStop, TypeStopPos:
		return Inbound{Type: msg.Type}, nil
	case TypeSubscribePos:
		params, err := posParams(msg.Params)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Type: TypeSubscribePos, Pos: params}, nil
	}
	return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Type)
}

func subscribe(guid, mode string, defaultMode domain.RequestedMode) (Inbound, error) {
	if err := validation.ValidateChannelID(guid); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	in := Inbound{Type: TypeSubscribe, GUID: guid, Mode: defaultMode}
	if mode == "" {
		return in, nil
	}
	if err := validation.ValidateMode(mode); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	in.Mode, _ = domain.ParseRequestedMode(mode)
	return in, nil
}

func posParams(p *wirePosParams) (services.PosParams, error) {
	var out services.PosParams
	if p == nil {
		return out, nil
	}
	if p.Terminal != "" {
		if err := validation.ValidateTerminalID(p.Terminal); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		out.Terminal = p.Terminal
	}
	if p.Channel != "" {
		if err := validation.ValidateChannelID(p.Channel); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		out.Channel = p.Channel
	}
	if ms, ok := utils.ParseTimestamp(p.Interval); ok && ms > 0 {
		out.Interval = time.Duration(ms) * time.Millisecond
	}
	if since, ok := utils.ParseTimestamp(p.Since); ok {
		out.Since = since
		out.HasSince = true
	}
	return out, nil
}
