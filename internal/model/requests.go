package model

// Role is the set of peer identities an Envelope may carry as origin or
// target.
type Role int

const (
	RoleAny Role = iota
	RoleCollector
	RoleControl
	RoleMonitor
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleCollector:
		return "Collector"
	case RoleControl:
		return "Control"
	case RoleMonitor:
		return "Monitor"
	case RoleServer:
		return "Server"
	case RoleClient:
		return "Client"
	default:
		return "Any"
	}
}

// Action tags a request record with the operation it carries. The same
// enum spans control, device, database and dispatcher requests; each
// worker only recognises the subset relevant to it and logs+drops the
// rest, per the invariant-violation disposition.
type Action int

const (
	ActionUnknown Action = iota

	// Dispatcher / control actions.
	ActionInitDatabase
	ActionQuitCollector
	ActionGetDevices
	ActionGetSessions
	ActionAddDevice
	ActionRemoveDevice
	ActionConnectDevice
	ActionDisconnectDevice
	ActionStartCollecting
	ActionStopCollecting
	ActionRequestSession
	ActionSendStatus
	ActionQuit

	// Device worker internal actions.
	ActionConnectOK
	ActionDescriptorSent
	ActionSetSession
	ActionStartStream
	ActionStopStream
	ActionProcessData
	ActionSocketClosed

	// Database worker actions.
	ActionCheckDatabase
	ActionConnect
	ActionDisconnect
	ActionLoadDevices
	ActionAddSession
	ActionRemSession
	ActionEndSession
	ActionCleanSessions
	ActionAddData
)

func (a Action) String() string {
	names := map[Action]string{
		ActionInitDatabase:     "InitDatabase",
		ActionQuitCollector:    "QuitCollector",
		ActionGetDevices:       "GetDevices",
		ActionGetSessions:      "GetSessions",
		ActionAddDevice:        "AddDevice",
		ActionRemoveDevice:     "RemoveDevice",
		ActionConnectDevice:    "ConnectDevice",
		ActionDisconnectDevice: "DisconnectDevice",
		ActionStartCollecting:  "StartCollecting",
		ActionStopCollecting:   "StopCollecting",
		ActionRequestSession:   "RequestSession",
		ActionSendStatus:       "SendStatus",
		ActionQuit:             "Quit",
		ActionConnectOK:        "ConnectOK",
		ActionDescriptorSent:   "DescriptorSent",
		ActionSetSession:       "SetSession",
		ActionStartStream:      "StartStream",
		ActionStopStream:       "StopStream",
		ActionProcessData:      "ProcessData",
		ActionSocketClosed:     "SocketClosed",
		ActionCheckDatabase:    "CheckDatabase",
		ActionConnect:          "Connect",
		ActionDisconnect:       "Disconnect",
		ActionLoadDevices:      "LoadDevices",
		ActionAddSession:       "AddSession",
		ActionRemSession:       "RemSession",
		ActionEndSession:       "EndSession",
		ActionCleanSessions:    "CleanSessions",
		ActionAddData:          "AddData",
	}
	if n, ok := names[a]; ok {
		return n
	}
	return "Unknown"
}

// StatusWhat is the outcome carried by a Status envelope, the only
// outward error channel a handler has.
type StatusWhat int

const (
	StatusOK StatusWhat = iota
	StatusBusy
	StatusError
)

func (w StatusWhat) String() string {
	switch w {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "Busy"
	default:
		return "Error"
	}
}

// ClientHandle identifies the control client a reply must be written
// back to. It is nullable in the sense that a zero value means "no
// reply owed" (e.g. an internally generated request).
type ClientHandle = uint64

// request is the shape shared by ControlRequest, DeviceRequest,
// DatabaseRequest and DispatcherRequest: an originating client handle,
// an action tag, a string-keyed argument map, and an opaque bulk
// payload decoded from the wire.
type request struct {
	Client    ClientHandle
	RequestID string
	Action    Action
	Args      map[string]string
	Bulk      interface{}
}

// ControlRequest is decoded directly off a control client's envelope
// stream.
type ControlRequest struct{ request }

// DeviceRequest targets exactly one device worker, resolved by hash.
type DeviceRequest struct {
	request
	DeviceHash string
}

// DatabaseRequest targets the database worker.
type DatabaseRequest struct {
	request
	DeviceHash  string
	SessionHash string
}

// DispatcherRequest is what the control server hands to the
// dispatcher; the dispatcher also builds them internally for its
// SendStatus replies.
type DispatcherRequest struct {
	request
	DeviceHash string
}

func newRequest(client ClientHandle, requestID string, action Action, args map[string]string, bulk interface{}) request {
	if args == nil {
		args = map[string]string{}
	}
	return request{Client: client, RequestID: requestID, Action: action, Args: args, Bulk: bulk}
}

func NewControlRequest(client ClientHandle, requestID string, action Action, args map[string]string, bulk interface{}) ControlRequest {
	return ControlRequest{newRequest(client, requestID, action, args, bulk)}
}

func NewDispatcherRequest(client ClientHandle, requestID string, action Action, deviceHash string, args map[string]string, bulk interface{}) DispatcherRequest {
	return DispatcherRequest{request: newRequest(client, requestID, action, args, bulk), DeviceHash: deviceHash}
}

func NewDeviceRequest(client ClientHandle, requestID string, action Action, deviceHash string, args map[string]string, bulk interface{}) DeviceRequest {
	return DeviceRequest{request: newRequest(client, requestID, action, args, bulk), DeviceHash: deviceHash}
}

func NewDatabaseRequest(client ClientHandle, requestID string, action Action, deviceHash, sessionHash string, args map[string]string, bulk interface{}) DatabaseRequest {
	return DatabaseRequest{request: newRequest(client, requestID, action, args, bulk), DeviceHash: deviceHash, SessionHash: sessionHash}
}

func (r request) GetClient() ClientHandle { return r.Client }
func (r request) GetRequestID() string    { return r.RequestID }
func (r request) GetAction() Action       { return r.Action }
func (r request) GetArgs() map[string]string {
	return r.Args
}
func (r request) GetBulk() interface{} { return r.Bulk }
