package types

// ChatType selects which matching pool a connection joins.
type ChatType string

const (
	ChatTypeText  ChatType = "text"
	ChatTypeVideo ChatType = "video"
)

// Valid reports whether the chat type is one the server pairs on.
func (t ChatType) Valid() bool {
	return t == ChatTypeText || t == ChatTypeVideo
}

// ConnState is the lifecycle state of a client connection.
//
// Transitions:
//
//	connecting -> idle       (join received)
//	idle       -> waiting    (find_match enqueued)
//	waiting    -> paired     (match found)
//	paired     -> idle       (session ended, connection survives)
//	any        -> closing    (teardown started)
//	closing    -> closed     (transport released)
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateIdle       ConnState = "idle"
	StateWaiting    ConnState = "waiting"
	StatePaired     ConnState = "paired"
	StateClosing    ConnState = "closing"
	StateClosed     ConnState = "closed"
)

// EndReason explains a session teardown to both participants.
type EndReason string

const (
	EndReasonPartnerLeft EndReason = "partner_left"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonReported    EndReason = "reported"
	EndReasonSelfLeft    EndReason = "self_left"
)

// LogLevel represents log verbosity level.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, for log shipping
	LogFormatPretty LogFormat = "pretty" // human-readable, for local dev
)
