package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrForbidden       = "E_FORBIDDEN"
	ErrSlowConsumer    = "E_SLOW_CONSUMER"

	// Run outcome.
	ErrCancelled = "E_CANCELLED"
	ErrInvariant = "E_INVARIANT"
	ErrSink      = "E_SINK"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrForbidden:       {},
	ErrSlowConsumer:    {},
	ErrCancelled:       {},
	ErrInvariant:       {},
	ErrSink:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
