package session

import "time"

// Phase names the lifecycle stage of a session.
type Phase string

const (
	PhaseUnpaired       Phase = "unpaired"
	PhasePendingPairing Phase = "pending_pairing"
	PhaseConnected      Phase = "connected"
	PhaseReconnecting   Phase = "reconnecting"
	PhaseLoggedOut      Phase = "logged_out"
)

// Challenge is a pairing challenge (the QR payload) and when it was issued.
type Challenge struct {
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issued_at"`
}

// State is the tagged session state. Values are built only by the
// constructors below: Challenge is set only in PhasePendingPairing and
// Attempt only in PhaseReconnecting.
type State struct {
	Phase     Phase      `json:"phase"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Since     time.Time  `json:"since"`
}

func unpairedState(now time.Time, reason string) State {
	return State{Phase: PhaseUnpaired, Reason: reason, Since: now}
}

func pendingState(now time.Time, ch Challenge) State {
	return State{Phase: PhasePendingPairing, Challenge: &ch, Since: now}
}

func connectedState(now time.Time) State {
	return State{Phase: PhaseConnected, Since: now}
}

func reconnectingState(now time.Time, attempt int, reason string) State {
	return State{Phase: PhaseReconnecting, Attempt: attempt, Reason: reason, Since: now}
}

func loggedOutState(now time.Time, reason string) State {
	return State{Phase: PhaseLoggedOut, Reason: reason, Since: now}
}

var legalEdges = map[Phase][]Phase{
	PhaseUnpaired:       {PhasePendingPairing, PhaseConnected, PhaseLoggedOut},
	PhasePendingPairing: {PhasePendingPairing, PhaseConnected, PhaseUnpaired, PhaseLoggedOut},
	PhaseConnected:      {PhaseReconnecting, PhaseLoggedOut},
	PhaseReconnecting:   {PhaseReconnecting, PhaseConnected, PhasePendingPairing, PhaseLoggedOut},
	PhaseLoggedOut:      nil,
}

// LegalTransition reports whether a machine may move from one phase to another.
func LegalTransition(from, to Phase) bool {
	for _, p := range legalEdges[from] {
		if p == to {
			return true
		}
	}
	return false
}
