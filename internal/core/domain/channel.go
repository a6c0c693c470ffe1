package domain

import "encoding/json"

// Channel is a camera source mirrored from the upstream platform.
type Channel struct {
	GUID    string      `json:"guid"`
	Name    string      `json:"name"`
	Codec   string      `json:"codec,omitempty"`
	HavePTZ bool        `json:"have_ptz"`
	Rights  interface{} `json:"rights,omitempty"`

	// Aliases holds every alternate display name the upstream reported.
	Aliases []string `json:"-"`
}

// Object is a generic entry of the upstream object tree.
type Object struct {
	GUID   string
	Name   string
	Class  string
	Fields map[string]interface{}
}

// PosTerminal is a point-of-sale device. Links carries explicit channel
// references found on the upstream record, Channel the resolved result.
type PosTerminal struct {
	GUID    string   `json:"guid"`
	Name    string   `json:"name"`
	Links   []string `json:"-"`
	Aliases []string `json:"-"`
	Channel string   `json:"channel,omitempty"`
}

// PosEvent is one entry of the POS event feed. Raw is relayed to clients
// untouched; Timestamp is only meaningful when HasTimestamp is set.
type PosEvent struct {
	Raw          map[string]interface{}
	Timestamp    int64
	HasTimestamp bool
}

func (e PosEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Raw)
}
