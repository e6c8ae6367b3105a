package sshbroker

// Event names on the client channel.
const (
	EventConnect    = "ssh:connect"
	EventConnecting = "ssh:connecting"
	EventConnected  = "ssh:connected"
	EventData       = "ssh:data"
	EventError      = "ssh:error"
	EventClosed     = "ssh:closed"
	EventInput      = "ssh:input"
	EventResize     = "ssh:resize"
	EventDisconnect = "ssh:disconnect"
	EventReady      = "ssh:ready"
)

// Event is one server-to-client message.
type Event struct {
	Name string
	Data any
}

type ConnectingPayload struct {
	TabID string `json:"tabId"`
	Host  string `json:"host"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	TabID        string `json:"tabId"`
	Host         string `json:"host"`
	Username     string `json:"username"`
	Port         int    `json:"port"`
}

type DataPayload struct {
	ConnectionID string `json:"connectionId"`
	Data         string `json:"data"`
}

// ErrorPayload is addressed by TabID before a session exists and by
// ConnectionID afterwards; exactly one of the two is set.
type ErrorPayload struct {
	ConnectionID string `json:"connectionId,omitempty"`
	TabID        string `json:"tabId,omitempty"`
	Error        string `json:"error"`
}

type ClosedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type ReadyPayload struct {
	Message           string `json:"message"`
	ActiveConnections int    `json:"activeConnections"`
}
