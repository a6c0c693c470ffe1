package domain

// Outbound control message types.
const (
	MessageCameras   = "cameras"
	MessageStream    = "stream"
	MessageError     = "error"
	MessagePosEvents = "pos-events"
)

type CamerasMessage struct {
	Type string    `json:"type"`
	Data []Channel `json:"data"`
}

// StreamMessage acknowledges a subscribe. Video fields are empty in screenshot mode.
type StreamMessage struct {
	Type      string    `json:"type"`
	Mode      string    `json:"mode"`
	GUID      string    `json:"guid"`
	Container Container `json:"container,omitempty"`
	StreamID  string    `json:"streamId,omitempty"`
	VideoPath string    `json:"videoPath,omitempty"`
}

type ErrorMessage struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type PosEventsMessage struct {
	Type string     `json:"type"`
	Data []PosEvent `json:"data"`
}

func NewErrorMessage(message string, details interface{}) ErrorMessage {
	return ErrorMessage{Type: MessageError, Message: message, Details: details}
}
