package upstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripComments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no comments", `{"a":1}`, `{"a":1}`},
		{"block comment", `/* sdk */ {"a":1}`, `{"a":1}`},
		{"line comment", "// generated\n{\"a\":1}", `{"a":1}`},
		{"trailing comment", "{\"a\":1} // end", `{"a":1}`},
		{"url inside string", `{"url":"rtsp://host/x"}`, `{"url":"rtsp://host/x"}`},
		{"comment marker inside string", `{"s":"/* not */"}`, `{"s":"/* not */"}`},
		{"escaped quote", `{"s":"a\"//b"}`, `{"s":"a\"//b"}`},
		{"unterminated block", `{"a":1} /* open`, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(StripComments([]byte(tt.in))))
		})
	}
}

func TestDecodeLenient_UsesNumbers(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, DecodeLenient([]byte("/* x */ {\"ts\": 1700000000123456}"), &v))

	n, ok := v["ts"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "1700000000123456", n.String())
}

func TestDecodeList(t *testing.T) {
	list, err := decodeList([]byte(`[{"guid":"a"},{"guid":"b"},3]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = decodeList([]byte(`{"channels":[{"guid":"a"}],"zombies":[{"guid":"z"}]}`),
		"channels", "remote_channels", "zombies")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "z", list[1]["guid"])

	_, err = decodeList([]byte(`not json`))
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	n, ok := toInt(json.Number("7"))
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	_, ok = toInt("seven")
	assert.False(t, ok)

	assert.True(t, asBool(json.Number("1")))
	assert.True(t, asBool("true"))
	assert.False(t, asBool(json.Number("0")))
	assert.False(t, asBool(nil))

	assert.Equal(t, "12", asString(json.Number("12")))
	assert.Equal(t, "", asString(12.5))
}
