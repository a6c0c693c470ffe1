package domain

// SessionKind selects which upstream credential a call is made with.
type SessionKind int

const (
	// SessionNone sends the call without any credential.
	SessionNone SessionKind = iota
	// SessionService is the elevated token acquired with the SDK password.
	SessionService
	// SessionOperator is the token acquired with operator login and password.
	SessionOperator
)

func (k SessionKind) String() string {
	switch k {
	case SessionService:
		return "service"
	case SessionOperator:
		return "operator"
	default:
		return "none"
	}
}
