package device

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anpopa/tkmcollector/internal/db"
	"github.com/anpopa/tkmcollector/internal/envelope"
	"github.com/anpopa/tkmcollector/internal/eventloop"
	"github.com/anpopa/tkmcollector/internal/logging"
	"github.com/anpopa/tkmcollector/internal/metrics"
	"github.com/anpopa/tkmcollector/internal/model"
)

// connectTimeout bounds the outbound dial to an agent, per the
// specification's 3-second connect timeout.
const connectTimeout = 3 * time.Second

// Reply answers a DeviceRequest once it has been handled.
type Reply func(what model.StatusWhat, reason string)

type job struct {
	req   model.DeviceRequest
	reply Reply
}

// Worker is the single owner of one device's state, active session
// hash, and outbound connection. It processes DeviceRequests from its
// own queue one at a time; no two requests for the same device are
// ever in flight.
type Worker struct {
	mu          sync.Mutex
	device      model.Device
	sessionHash string
	conn        net.Conn

	loop  *eventloop.Loop
	db    *db.Worker
	log   *logrus.Entry
	queue *eventloop.AsyncQueue[job]
}

// New constructs a device worker bound to d, registers its queue with
// loop, and wires it to dbWorker for persistence side effects.
func New(loop *eventloop.Loop, dbWorker *db.Worker, d model.Device) *Worker {
	w := &Worker{
		device: d,
		loop:   loop,
		db:     dbWorker,
		log:    logging.Device("device", d.Hash),
	}
	w.queue = eventloop.NewAsyncQueue[job](loop, "device-"+d.Hash, eventloop.Normal, 64, w.handle)
	return w
}

// Hash returns the device's stable identity hash.
func (w *Worker) Hash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device.Hash
}

// State returns the device's current lifecycle state.
func (w *Worker) State() model.DeviceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device.State
}

// Snapshot returns a copy of the device's current row, for GetDevices.
func (w *Worker) Snapshot() model.Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device
}

// Enqueue schedules req for handling on this device's own goroutine.
func (w *Worker) Enqueue(req model.DeviceRequest, reply Reply) {
	w.queue.Push(job{req: req, reply: reply})
}

// Disconnect tears the connection down synchronously; used by the
// manager when a device row is removed outright.
func (w *Worker) Disconnect() {
	done := make(chan struct{})
	w.Enqueue(model.NewDeviceRequest(0, "", model.ActionDisconnectDevice, w.Hash(), nil, nil), func(model.StatusWhat, string) { close(done) })
	<-done
}

func (w *Worker) setState(s model.DeviceState) {
	w.mu.Lock()
	w.device.State = s
	w.mu.Unlock()
}

func (w *Worker) handle(j job) {
	metrics.QueueDepth.WithLabelValues("device-" + w.Hash()).Set(float64(w.queue.Len()))
	req := j.req
	what, reason := w.dispatch(req)
	if j.reply != nil {
		j.reply(what, reason)
	}
}

func (w *Worker) dispatch(req model.DeviceRequest) (model.StatusWhat, string) {
	switch req.GetAction() {
	case model.ActionConnectDevice:
		return w.connect()
	case model.ActionDisconnectDevice:
		return w.disconnect()
	case model.ActionStartCollecting:
		return w.startCollecting()
	case model.ActionStopCollecting:
		return w.stopCollecting()
	case model.ActionSetSession:
		info, _ := req.GetBulk().(envelope.SessionInfo)
		return w.onSetSession(info)
	case model.ActionStartStream:
		return w.startStream()
	case model.ActionProcessData:
		data, _ := req.GetBulk().(envelope.Data)
		return w.onData(data)
	case model.ActionSocketClosed:
		return w.onSocketClosed()
	default:
		w.log.WithField("action", req.GetAction()).Warn("unrecognised device action, dropping")
		return model.StatusError, "Unknown action"
	}
}

// connect resolves and dials the agent with a 3-second timeout, sends
// the local descriptor, and transitions to Connected. Go's Dialer
// performs the non-blocking connect / wait-writable / SO_ERROR check
// internally; see SPEC_FULL.md §4.4.
func (w *Worker) connect() (model.StatusWhat, string) {
	d := w.Snapshot()
	addr := net.JoinHostPort(d.Address, strconv.Itoa(int(d.Port)))

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		w.setState(model.StateDisconnected)
		w.log.WithError(err).Warn("connect failed")
		return model.StatusError, "Connection Failed"
	}

	desc := envelope.New(model.RoleCollector, model.RoleMonitor, envelope.Descriptor{ID: "Collector", PID: int64(os.Getpid())})
	if err := envelope.WriteDescriptor(conn, desc); err != nil {
		conn.Close()
		w.setState(model.StateDisconnected)
		return model.StatusError, "Connection Failed"
	}

	w.mu.Lock()
	w.conn = conn
	w.device.State = model.StateConnected
	w.mu.Unlock()

	go w.readLoop(conn)

	return model.StatusOK, "Connected"
}

func (w *Worker) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		env, err := envelope.ReadEnvelope(r)
		if err != nil {
			w.Enqueue(model.NewDeviceRequest(0, "", model.ActionSocketClosed, w.Hash(), nil, nil), nil)
			return
		}
		if env.Origin != model.RoleMonitor {
			continue
		}
		switch payload := env.Payload.(type) {
		case envelope.SessionInfo:
			w.Enqueue(model.NewDeviceRequest(0, "", model.ActionSetSession, w.Hash(), nil, payload), nil)
		case envelope.Data:
			w.Enqueue(model.NewDeviceRequest(0, "", model.ActionProcessData, w.Hash(), nil, payload), nil)
		default:
			// unhandled payload kind on this socket: ignored per the
			// "unhandled events are logged and ignored" rule.
			w.log.Debug("ignoring unexpected payload on device socket")
		}
	}
}

func (w *Worker) disconnect() (model.StatusWhat, string) {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	sessionHash := w.sessionHash
	w.sessionHash = ""
	w.device.State = model.StateDisconnected
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if sessionHash != "" {
		w.db.Enqueue(model.NewDatabaseRequest(0, "", model.ActionEndSession, w.Hash(), sessionHash, nil, nil), nil)
	}
	return model.StatusOK, "Disconnected"
}

func (w *Worker) onSocketClosed() (model.StatusWhat, string) {
	w.mu.Lock()
	w.conn = nil
	sessionHash := w.sessionHash
	w.sessionHash = ""
	w.device.State = model.StateDisconnected
	w.mu.Unlock()

	if sessionHash != "" {
		w.db.Enqueue(model.NewDatabaseRequest(0, "", model.ActionEndSession, w.Hash(), sessionHash, nil, nil), nil)
	}
	w.log.Info("peer closed connection")
	return model.StatusOK, "Disconnected"
}

func (w *Worker) startCollecting() (model.StatusWhat, string) {
	state := w.State()
	if state != model.StateConnected && state != model.StateIdle {
		return model.StatusError, "Invalid state for StartCollecting"
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return model.StatusError, "Not connected"
	}

	req := envelope.New(model.RoleCollector, model.RoleMonitor, envelope.Request{Action: "CreateSession"})
	if err := envelope.WriteEnvelope(conn, req); err != nil {
		return model.StatusError, "Connection Failed"
	}
	return model.StatusOK, "Session requested"
}

// onSetSession assigns the collector-local session name before
// enqueueing storage, exactly as the specification requires: the name
// is the collector's responsibility, the hash is the agent's.
func (w *Worker) onSetSession(info envelope.SessionInfo) (model.StatusWhat, string) {
	name := fmt.Sprintf("Collector.%d.%d", os.Getpid(), time.Now().Unix())

	w.mu.Lock()
	w.sessionHash = info.Hash
	w.device.State = model.StateSessionSet
	w.mu.Unlock()

	w.db.Enqueue(model.NewDatabaseRequest(0, "", model.ActionAddSession, w.Hash(), info.Hash,
		nil, model.Session{Hash: info.Hash, Name: name}), nil)

	w.Enqueue(model.NewDeviceRequest(0, "", model.ActionStartStream, w.Hash(), nil, nil), nil)
	return model.StatusOK, "Session set"
}

func (w *Worker) startStream() (model.StatusWhat, string) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return model.StatusError, "Not connected"
	}

	req := envelope.New(model.RoleCollector, model.RoleMonitor, envelope.StreamState{Enabled: true})
	if err := envelope.WriteEnvelope(conn, req); err != nil {
		return model.StatusError, "Connection Failed"
	}
	w.setState(model.StateCollecting)
	return model.StatusOK, "Collecting"
}

func (w *Worker) stopCollecting() (model.StatusWhat, string) {
	if w.State() != model.StateCollecting {
		return model.StatusError, "Invalid state for StopCollecting"
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return model.StatusError, "Not connected"
	}

	req := envelope.New(model.RoleCollector, model.RoleMonitor, envelope.StreamState{Enabled: false})
	if err := envelope.WriteEnvelope(conn, req); err != nil {
		return model.StatusError, "Connection Failed"
	}
	w.setState(model.StateIdle)
	return model.StatusOK, "Idle"
}

func (w *Worker) onData(d envelope.Data) (model.StatusWhat, string) {
	if w.State() != model.StateCollecting {
		return model.StatusError, "Not collecting"
	}

	w.mu.Lock()
	sessionHash := w.sessionHash
	w.mu.Unlock()
	if sessionHash == "" {
		return model.StatusError, "No active session"
	}

	row := db.DataRow{
		Kind:          d.Kind,
		SystemTime:    d.SystemTime,
		MonotonicTime: d.MonotonicTime,
		ReceiveTime:   time.Now().Unix(),
		Fields:        d.Fields,
	}
	w.db.Enqueue(model.NewDatabaseRequest(0, "", model.ActionAddData, w.Hash(), sessionHash, nil, row), nil)
	return model.StatusOK, "Data forwarded"
}
