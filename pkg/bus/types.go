package bus

import "encoding/json"

// EventKind tags what a transport reported.
type EventKind string

const (
	EventChallenge   EventKind = "challenge"   // a new pairing challenge (QR payload)
	EventOpened      EventKind = "opened"      // the connection is authenticated and usable
	EventClosed      EventKind = "closed"      // the connection ended; see Code
	EventCredentials EventKind = "credentials" // updated credential material to persist
)

// Event is one lifecycle notification from a transport connection.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind       `json:"kind"`
	Challenge   string          `json:"challenge,omitempty"`
	Code        int             `json:"code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

func Challenge(code string) Event { return Event{Kind: EventChallenge, Challenge: code} }

func Opened() Event { return Event{Kind: EventOpened} }

func Closed(code int, reason string) Event {
	return Event{Kind: EventClosed, Code: code, Reason: reason}
}

func Credentials(creds []byte) Event {
	return Event{Kind: EventCredentials, Credentials: json.RawMessage(creds)}
}
