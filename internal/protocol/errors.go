package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session setup.
	ErrUnknownRace = "E_UNKNOWN_RACE"
	ErrNoHello     = "E_NO_HELLO"

	// Planner.
	ErrInvariant = "E_INVARIANT"
	ErrNoResults = "E_NO_RESULTS"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrUnknownRace:     {},
	ErrNoHello:         {},
	ErrInvariant:       {},
	ErrNoResults:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// IsFatal reports whether the planner closes the session after sending code.
func IsFatal(code string) bool {
	switch code {
	case ErrInvariant, ErrNoResults, ErrInternal:
		return true
	}
	return false
}
