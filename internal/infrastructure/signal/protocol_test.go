package signal

import (
	"testing"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "subscribe with mode",
			raw:  `{"type":"subscribe","guid":"CAM-1","mode":"screenshot"}`,
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-1", Mode: domain.RequestScreenshot},
		},
		{
			name: "subscribe uses default mode",
			raw:  `{"type":"subscribe","guid":"CAM-1"}`,
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-1", Mode: domain.RequestAuto},
		},
		{
			name: "guid without type",
			raw:  `{"guid":"CAM-2","mode":"video"}`,
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-2", Mode: domain.RequestVideo},
		},
		{
			name: "camera alias",
			raw:  `{"type":"subscribe","camera":"CAM-3"}`,
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-3"},
		},
		{
			name: "channel alias without type",
			raw:  `{"channel":"CAM-4"}`,
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-4"},
		},
		{
			name: "bare identifier",
			raw:  "  CAM-5\n",
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-5"},
		},
		{
			name: "quoted identifier",
			raw:  `"CAM-6"`,
			want: Inbound{Type: TypeSubscribe, GUID: "CAM-6"},
		},
		{
			name: "stop",
			raw:  `{"type":"stop"}`,
			want: Inbound{Type: TypeStop},
		},
		{
			name: "stop pos",
			raw:  `{"type":"stop-pos-events"}`,
			want: Inbound{Type: TypeStopPos},
		},
		{
			name: "pos without params",
			raw:  `{"type":"subscribe-pos-events"}`,
			want: Inbound{Type: TypeSubscribePos},
		},
		{
			name: "pos with params",
			raw:  `{"type":"subscribe-pos-events","params":{"terminal":"T1","interval":1500,"since":"1700000000"}}`,
			want: Inbound{Type: TypeSubscribePos, Pos: services.PosParams{
				Terminal: "T1",
				Interval: 1500 * time.Millisecond,
				Since:    1700000000,
				HasSince: true,
			}},
		},
		{
			name: "pos by channel",
			raw:  `{"type":"subscribe-pos-events","params":{"channel":"CAM-9","interval":0}}`,
			want: Inbound{Type: TypeSubscribePos, Pos: services.PosParams{Channel: "CAM-9"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.raw), domain.RequestAuto)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInbound_DefaultModeApplies(t *testing.T) {
	got, err := ParseInbound([]byte("CAM-1"), domain.RequestScreenshot)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestScreenshot, got.Mode)
}

func TestParseInbound_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "empty", raw: "   ", wantErr: ErrMalformedMessage},
		{name: "unknown type", raw: `{"type":"dance"}`, wantErr: ErrUnknownCommand},
		{name: "empty object", raw: `{}`, wantErr: ErrUnknownCommand},
		{name: "subscribe without guid", raw: `{"type":"subscribe"}`, wantErr: ErrMalformedMessage},
		{name: "bad mode", raw: `{"type":"subscribe","guid":"CAM-1","mode":"hologram"}`, wantErr: ErrMalformedMessage},
		{name: "bad guid", raw: `{"guid":"../etc/passwd"}`, wantErr: ErrMalformedMessage},
		{name: "bad terminal", raw: `{"type":"subscribe-pos-events","params":{"terminal":"T 1"}}`, wantErr: ErrMalformedMessage},
		{name: "bare text with spaces", raw: "hello world", wantErr: ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.raw), domain.RequestAuto)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
