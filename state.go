package ice

import "fmt"

// ConnectionState is the overall state of the ICE session.
type ConnectionState int

const (
	// ConnectionStateDisconnected is the initial state before gathering.
	ConnectionStateDisconnected ConnectionState = iota

	// ConnectionStateGathering means local candidates are being collected.
	ConnectionStateGathering

	// ConnectionStateConnecting means connectivity checks are running but
	// no pair has succeeded yet.
	ConnectionStateConnecting

	// ConnectionStateConnected means at least one candidate pair has
	// succeeded.
	ConnectionStateConnected

	// ConnectionStateCompleted means a pair has been nominated and is the
	// selected path for application data.
	ConnectionStateCompleted

	// ConnectionStateFailed means no pair succeeded before the fail
	// deadline. It is terminal.
	ConnectionStateFailed
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionStateDisconnected:
		return "Disconnected"
	case ConnectionStateGathering:
		return "Gathering"
	case ConnectionStateConnecting:
		return "Connecting"
	case ConnectionStateConnected:
		return "Connected"
	case ConnectionStateCompleted:
		return "Completed"
	case ConnectionStateFailed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// Role represents ICE agent role, which can be controlling or controlled.
type Role int

// Possible ICE agent roles.
const (
	RoleUnknown Role = iota
	RoleControlling
	RoleControlled
)

// UnmarshalText implements TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "controlling":
		*r = RoleControlling
	case "controlled":
		*r = RoleControlled
	default:
		return fmt.Errorf("unknown role %q", text)
	}
	return nil
}

// MarshalText implements TextMarshaler.
func (r Role) MarshalText() (text []byte, err error) {
	return []byte(r.String()), nil
}

func (r Role) String() string {
	switch r {
	case RoleControlling:
		return "controlling"
	case RoleControlled:
		return "controlled"
	default:
		return "unknown"
	}
}
