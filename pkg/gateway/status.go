package gateway

import (
	"encoding/base64"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/tinyland-inc/linkgate/pkg/session"
)

const qrSize = 256

// Status strings reported to HTTP clients.
const (
	StatusStarting     = "starting"
	StatusPending      = "pending"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusLoggedOut    = "logged_out"
)

func statusString(p session.Phase) string {
	switch p {
	case session.PhasePendingPairing:
		return StatusPending
	case session.PhaseConnected:
		return StatusConnected
	case session.PhaseReconnecting:
		return StatusReconnecting
	case session.PhaseLoggedOut:
		return StatusLoggedOut
	default:
		return StatusStarting
	}
}

// SessionStatus is the JSON view of one session.
type SessionStatus struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	QR               string    `json:"qr,omitempty"`
	Challenge        string    `json:"challenge,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Since            time.Time `json:"since,omitzero"`
	PersistenceError string    `json:"persistence_error,omitempty"`
}

func statusOf(m *session.Machine) SessionStatus {
	st := m.State()
	out := SessionStatus{
		ID:      m.ID(),
		Status:  statusString(st.Phase),
		Attempt: st.Attempt,
		Reason:  st.Reason,
		Since:   st.Since,
	}
	if st.Challenge != nil {
		out.Challenge = st.Challenge.Code
		if url, err := QRDataURL(st.Challenge.Code); err == nil {
			out.QR = url
		}
	}
	if err := m.LastPersistenceError(); err != nil {
		out.PersistenceError = err.Error()
	}
	return out
}

// QRDataURL renders a pairing challenge as a PNG data URL.
func QRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
