package bridge

// Frame types exchanged with the protocol bridge.
const (
	frameOpen   = "open"   // out: start a session; in: session authenticated
	frameSend   = "send"   // out
	frameLogout = "logout" // out
	frameQR     = "qr"     // in
	frameClose  = "close"  // in
	frameCreds  = "creds"  // in
	frameAck    = "ack"    // in
)

// frame is the single JSON envelope used in both directions; only the
// fields relevant to Type are set.
type frame struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Creds   []byte `json:"creds,omitempty"`
	ID      string `json:"id,omitempty"`
	To      string `json:"to,omitempty"`
	Text    string `json:"text,omitempty"`
	QR      string `json:"qr,omitempty"`
	Code    int    `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}
