// Package protocol names the JSON frame types exchanged over the
// transport boundary. Frames themselves are plain map[string]any — the
// wire shape is deliberately loose, matching a tagged-union JSON object
// — but the "type" values are constants so neither side typos them.
package protocol

const (
	TypeSessionInfo  = "session_info"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeSyncStart    = "sync_start"
	TypeSyncProgress = "sync_progress"
	TypeSyncComplete = "sync_complete"
	TypeMessage      = "message"
	TypeRequestSync  = "request_sync"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// CodeSessionFull is sent when a third participant tries to join a
// session that already has two.
const CodeSessionFull = "SESSION_FULL"

// CodeValidation is sent when a connect request carries a TPM
// configuration (K/N/L) outside the allowed ranges.
const CodeValidation = "VALIDATION_ERROR"
