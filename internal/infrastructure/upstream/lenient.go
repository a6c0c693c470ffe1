package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// StripComments removes // line and /* */ block comments that the platform
// sometimes emits around JSON. String literals are left intact, so URLs such
// as "rtsp://host/x" survive.
func StripComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString, escaped := false, false

	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == '/' && i+1 < len(data) {
			switch data[i+1] {
			case '/':
				for i < len(data) && data[i] != '\n' {
					i++
				}
				if i < len(data) {
					out = append(out, '\n')
				}
				continue
			case '*':
				end := bytes.Index(data[i+2:], []byte("*/"))
				if end < 0 {
					return bytes.TrimSpace(out)
				}
				i += end + 3
				continue
			}
		}
		out = append(out, c)
	}
	return bytes.TrimSpace(out)
}

// DecodeLenient strips comments and decodes JSON into v. Numbers decode as
// json.Number when v is an interface or map.
func DecodeLenient(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(StripComments(data)))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeObject(body []byte) (map[string]interface{}, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '/') {
		return nil, false
	}
	var obj map[string]interface{}
	if err := DecodeLenient(trimmed, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// decodeList accepts a bare array or an object wrapping one under any of keys.
func decodeList(body []byte, keys ...string) ([]map[string]interface{}, error) {
	var raw interface{}
	if err := DecodeLenient(body, &raw); err != nil {
		return nil, err
	}
	return listFrom(raw, keys...), nil
}

func listFrom(raw interface{}, keys ...string) []map[string]interface{} {
	switch t := raw.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]interface{}:
		var out []map[string]interface{}
		for _, k := range keys {
			out = append(out, listFrom(t[k])...)
		}
		return out
	}
	return nil
}

func toInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true"
	}
	n, ok := toInt(v)
	return ok && n != 0
}
