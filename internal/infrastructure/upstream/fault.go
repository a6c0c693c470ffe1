package upstream

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Fault is the classification of an upstream response.
type Fault int

const (
	// FaultNone means the response carries a usable result.
	FaultNone Fault = iota
	// FaultInvalidSession means the session token was rejected or expired.
	FaultInvalidSession
	// FaultNoSession means the platform has no active session for the caller.
	FaultNoSession
	// FaultRejected is any other failure reported by the platform.
	FaultRejected
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultInvalidSession:
		return "invalid_session"
	case FaultNoSession:
		return "no_session"
	default:
		return "rejected"
	}
}

// Error is a failure reported by the platform itself, as opposed to a
// transport failure. Transport failures wrap domain.ErrUpstreamUnavailable.
type Error struct {
	Endpoint string
	Status   int
	Fault    Fault
	Code     string
	Body     string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s: %s (%s, status %d)", e.Endpoint, e.Code, e.Fault, e.Status)
	}
	return fmt.Sprintf("upstream %s: %s (status %d)", e.Endpoint, e.Fault, e.Status)
}

const textSniffLimit = 4096

// Classify inspects a response and returns its fault category. Status 401
// and explicit "invalid sid" markers mean an invalid session; "no session"
// markers mean no session; any other non-2xx status or a JSON object with
// success set to 0 is rejected. Non-JSON 2xx bodies such as images pass.
func Classify(status int, body []byte) Fault {
	if status == http.StatusUnauthorized {
		return FaultInvalidSession
	}

	if obj, ok := decodeObject(body); ok {
		errText := strings.ToLower(strings.TrimSpace(stringField(obj, "error")))
		errCode := strings.ToLower(strings.TrimSpace(stringField(obj, "error_code")))
		switch {
		case errText == "invalid sid" || errCode == "invalid sid":
			return FaultInvalidSession
		case errText == "no session" || errCode == "no session":
			return FaultNoSession
		}
		if !isSuccess(status) {
			return FaultRejected
		}
		if v, present := obj["success"]; present && isFalsy(v) {
			return FaultRejected
		}
		return FaultNone
	}

	if text, ok := sniffText(body); ok {
		switch {
		case strings.Contains(text, "invalid sid"):
			return FaultInvalidSession
		case strings.Contains(text, "no session"):
			return FaultNoSession
		}
	}

	if !isSuccess(status) {
		return FaultRejected
	}
	return FaultNone
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// sniffText returns the lower-cased body when it looks like short text.
func sniffText(body []byte) (string, bool) {
	if len(body) == 0 || len(body) > textSniffLimit || !utf8.Valid(body) {
		return "", false
	}
	return strings.ToLower(string(body)), true
}

func stringField(obj map[string]interface{}, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

func isFalsy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return !t
	case string:
		return t == "0" || strings.EqualFold(t, "false")
	default:
		n, ok := toInt(v)
		return ok && n == 0
	}
}
