package platform

// Status is the state of a tunnel connection. Numeric values follow the
// platform VPN status codes and are exported as the state gauge.
type Status int

const (
	StatusInvalid Status = iota
	StatusDisconnected
	StatusConnecting
	StatusConnected
	StatusReasserting
	StatusDisconnecting
)

var statusNames = map[Status]string{
	StatusInvalid:       "Invalid",
	StatusDisconnected:  "Disconnected",
	StatusConnecting:    "Connecting",
	StatusConnected:     "Connected",
	StatusReasserting:   "Reasserting",
	StatusDisconnecting: "Disconnecting",
}

// String returns the enumeration name
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Description returns the text shown to users
func (s Status) Description() string {
	if s == StatusReasserting {
		return "Reconnecting"
	}
	return s.String()
}

// CanStart reports whether a start request should be issued in this state
func (s Status) CanStart() bool {
	return s == StatusDisconnected || s == StatusInvalid
}

// ShowsRunning is the value a start/stop toggle displays for this state.
// Disconnecting already reads as off, unlike CanStart.
func (s Status) ShowsRunning() bool {
	return s != StatusDisconnected && s != StatusDisconnecting && s != StatusInvalid
}
