package protocol

// PingType is the reserved heartbeat message type. Frames of this type
// refresh liveness and are never handed to message subscribers.
const PingType = "ping"

// Envelope is the frame exchanged between peers. Payload may be any
// JSON-serializable value; the receiver sees it in generic JSON form.
type Envelope struct {
	Sender  string
	Type    string
	Payload any
}

// IsPing reports whether the envelope is a heartbeat.
func (e Envelope) IsPing() bool {
	return e.Type == PingType
}

// RPC represents an envelope received from the network
type RPC struct {
	From     string
	Envelope Envelope
}
