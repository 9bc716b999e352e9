package session

// Status is the connection state surfaced to the editor UI. It is owned by
// the session's reconnection logic; callers only read it.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusSynced
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSynced:
		return "synced"
	default:
		return "unknown"
	}
}
