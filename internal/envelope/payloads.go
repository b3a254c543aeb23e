package envelope

import "encoding/gob"

// Descriptor is the first envelope exchanged on a new connection,
// announcing peer identity. The collector sends one with ID="Collector"
// immediately after a successful outbound connect; the control server
// expects one from every newly accepted client within the handshake
// deadline.
type Descriptor struct {
	ID  string
	PID int64
}

// Request carries a decoded control/device action across the wire. It
// mirrors model.Action/Args but travels as its own wire type so the
// envelope payload set stays closed and independent from the in-process
// request records in internal/model.
type Request struct {
	RequestID string
	Action    string
	Args      map[string]string
}

// Status is the only outward error/success channel a handler has.
type Status struct {
	What      string
	Reason    string
	RequestID string
}

// SessionInfo is the agent's reply to CreateSession. It carries only
// the agent-assigned Hash; the device worker assigns the session name
// locally before persisting.
type SessionInfo struct {
	Hash string
}

// StreamState toggles data streaming for the negotiated session.
type StreamState struct {
	Enabled bool
}

// Data wraps one inbound measurement of the given Kind. Fields is a flat
// string-keyed map: the collector is agnostic to payload contents and
// forwards them to storage without interpreting field semantics beyond
// routing by Kind (see internal/db for the per-kind insert mapping).
// SystemTime/MonotonicTime are the device agent's own clocks, carried
// opaquely like Fields; ReceiveTime is left for the collector to stamp
// with its own clock on arrival, so it is not part of this wire type.
type Data struct {
	Kind          string
	SystemTime    int64
	MonotonicTime int64
	Fields        map[string]string
}

func init() {
	gob.Register(Descriptor{})
	gob.Register(Request{})
	gob.Register(Status{})
	gob.Register(SessionInfo{})
	gob.Register(StreamState{})
	gob.Register(Data{})
}
