// Package wire defines the message shapes and constants of the management
// server's control protocol.
//
// Every message on the primary connection is a single JSON object with an
// "action" field. Correlated requests additionally carry "tag" and
// "responseid" fields holding the same generated identifier, which the
// server echoes back (usually — see the session package for the cases
// where it does not). Relay tunnels speak JSON control frames interleaved
// with raw binary frames whose first wire byte is never '{'.
package wire

import "encoding/json"

// Map is a decoded protocol message. Messages are schemaless on the wire;
// known fields are accessed through the helpers below.
type Map = map[string]any

// Well-known actions on the primary connection.
const (
	ActionServerInfo = "serverinfo"
	ActionUserInfo   = "userinfo"
	ActionAuthCookie = "authcookie"
	ActionPing       = "ping"
	ActionPong       = "pong"
	ActionMsg        = "msg"
	ActionEvent      = "event"
	ActionInterUser  = "interuser"
	ActionClose      = "close"
)

// Server endpoint paths. The relay path replaces the control path when
// constructing a tunnel URL.
const (
	ControlPath = "/control.ashx"
	RelayPath   = "/meshrelay.ashx"
)

// Relay protocol selectors. Other values are reserved by the server.
const (
	ProtocolTerminal = 1
	ProtocolFiles    = 5
)

// RecordingMarker is the first frame sent by the relay when the session is
// being recorded server-side. Any other first frame means it is not.
const RecordingMarker = "cr"

// EventTopic is the bus topic for asynchronous server pushes.
const EventTopic = "server_event"

// CloseTopic is the bus topic notified when the connection closes.
const CloseTopic = "close"

// pushActions are the actions the server sends unsolicited; they are
// broadcast on the event bus even when they also satisfy a pending request.
var pushActions = map[string]bool{
	ActionEvent:     true,
	ActionMsg:       true,
	ActionInterUser: true,
}

// IsPush reports whether the action denotes an asynchronous server push.
func IsPush(action string) bool { return pushActions[action] }

// Action extracts the action field of a decoded message, or "".
func Action(m Map) string {
	s, _ := m["action"].(string)
	return s
}

// Str extracts a string field of a decoded message, or "".
func Str(m Map, key string) string {
	s, _ := m[key].(string)
	return s
}

// Encode serializes a message for transmission.
func Encode(m Map) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a received frame. A nil map and error are returned for
// frames that are not JSON objects.
func Decode(data []byte) (Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
