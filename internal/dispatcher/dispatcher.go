// Package dispatcher implements the single worker that routes
// control-originated requests to the database worker or to a specific
// device worker, and is the only component that writes Status replies
// back to control clients.
package dispatcher

import (
	"fmt"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/anpopa/tkmcollector/internal/db"
	"github.com/anpopa/tkmcollector/internal/device"
	"github.com/anpopa/tkmcollector/internal/eventloop"
	"github.com/anpopa/tkmcollector/internal/logging"
	"github.com/anpopa/tkmcollector/internal/metrics"
	"github.com/anpopa/tkmcollector/internal/model"
)

// StatusSink is how the Dispatcher delivers a terminal Status back to
// whichever control client originated a request. control.Server
// implements this.
type StatusSink interface {
	SendStatus(client model.ClientHandle, requestID string, what model.StatusWhat, reason string)
}

// dedupeCapacity bounds the recently-completed-request cache used to
// suppress a second Status write for a request id already answered,
// per SPEC_FULL.md §4.5.
const dedupeCapacity = 256

// Dispatcher is the single worker consuming DispatcherRequests.
type Dispatcher struct {
	sink     StatusSink
	devices  *device.Manager
	database *db.Worker
	log      *logrus.Entry

	seen  *lru.Cache[string, struct{}]
	queue *eventloop.AsyncQueue[model.DispatcherRequest]

	onQuit func()
}

// New constructs a Dispatcher and registers its queue with loop.
// onQuit is invoked once, after flushing, when a QuitCollector request
// is handled.
func New(loop *eventloop.Loop, sink StatusSink, devices *device.Manager, database *db.Worker, onQuit func()) *Dispatcher {
	cache, _ := lru.New[string, struct{}](dedupeCapacity)
	d := &Dispatcher{
		sink:     sink,
		devices:  devices,
		database: database,
		log:      logging.New("dispatcher"),
		seen:     cache,
		onQuit:   onQuit,
	}
	d.queue = eventloop.NewAsyncQueue[model.DispatcherRequest](loop, "dispatcher", eventloop.High, 256, d.handle)
	return d
}

// SetSink binds the StatusSink once it exists. cmd/tkmcollectord
// constructs the control.Server (which needs the dispatcher's Enqueue as
// its Dispatch callback) after the Dispatcher itself, so the sink is
// wired in a second step rather than at New.
func (d *Dispatcher) SetSink(sink StatusSink) {
	d.sink = sink
}

// Enqueue schedules req for handling on the dispatcher's queue. The
// control server calls it for every decoded control request; device
// and database workers answer through the Reply callbacks the
// dispatcher hands them, which write the terminal Status directly.
func (d *Dispatcher) Enqueue(req model.DispatcherRequest) {
	d.queue.Push(req)
}

func (d *Dispatcher) handle(req model.DispatcherRequest) {
	metrics.QueueDepth.WithLabelValues("dispatcher").Set(float64(d.queue.Len()))
	switch req.GetAction() {
	case model.ActionSendStatus:
		d.sendStatus(req)
	case model.ActionQuitCollector:
		d.log.Info("quit requested")
		d.sendStatus(withStatus(req, model.StatusOK, "Shutting down"))
		if d.onQuit != nil {
			d.onQuit()
		}
	case model.ActionInitDatabase, model.ActionAddDevice, model.ActionRemoveDevice:
		d.routeToDatabase(req)
	case model.ActionGetDevices:
		d.routeGetDevices(req)
	case model.ActionGetSessions:
		d.routeGetSessions(req)
	case model.ActionConnectDevice, model.ActionDisconnectDevice, model.ActionStartCollecting, model.ActionStopCollecting:
		d.routeToDevice(req)
	default:
		d.log.WithField("action", req.GetAction()).Warn("unrecognised dispatcher action, dropping")
	}
}

func (d *Dispatcher) sendStatus(req model.DispatcherRequest) {
	requestID := req.GetRequestID()
	key := fmt.Sprintf("%d:%s", req.GetClient(), requestID)
	if requestID != "" {
		if _, dup := d.seen.Get(key); dup {
			d.log.WithField("request_id", requestID).Debug("suppressing duplicate status reply")
			return
		}
		d.seen.Add(key, struct{}{})
	}

	what := model.StatusOK
	reason := req.GetArgs()["reason"]
	if w, ok := req.GetArgs()["what"]; ok && w == model.StatusError.String() {
		what = model.StatusError
	}
	d.sink.SendStatus(req.GetClient(), requestID, what, reason)
}

// withStatus is a small helper constructing the args map sendStatus
// reads its outcome from, so every internal caller of sendStatus goes
// through one encoding.
func withStatus(req model.DispatcherRequest, what model.StatusWhat, reason string) model.DispatcherRequest {
	args := map[string]string{"what": what.String(), "reason": reason}
	return model.NewDispatcherRequest(req.GetClient(), req.GetRequestID(), model.ActionSendStatus, req.DeviceHash, args, nil)
}

func (d *Dispatcher) routeToDatabase(req model.DispatcherRequest) {
	action := req.GetAction()
	dbReq := model.NewDatabaseRequest(req.GetClient(), req.GetRequestID(), action, req.GetArgs()["id"], "", req.GetArgs(), nil)
	d.database.Enqueue(dbReq, func(what model.StatusWhat, reason string) {
		d.sendStatus(withStatus(req, what, reason))
	})
}

func (d *Dispatcher) routeGetDevices(req model.DispatcherRequest) {
	devices, err := d.database.GetDevices()
	if err != nil {
		d.sendStatus(withStatus(req, model.StatusError, err.Error()))
		return
	}
	lines := make([]string, 0, len(devices))
	for _, dev := range devices {
		if w := d.devices.Get(dev.Hash); w != nil {
			dev.State = w.State()
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s:%d\t%s", dev.Hash, dev.Name, dev.Address, dev.Port, dev.State))
	}
	d.sendStatus(withStatus(req, model.StatusOK, strings.Join(lines, "\n")))
}

func (d *Dispatcher) routeGetSessions(req model.DispatcherRequest) {
	sessions, err := d.database.GetSessions(req.GetArgs()["id"])
	if err != nil {
		d.sendStatus(withStatus(req, model.StatusError, err.Error()))
		return
	}
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		lines = append(lines, fmt.Sprintf("%s\t%s\tstarted=%d\tended=%d", s.Hash, s.Name, s.Started, s.Ended))
	}
	d.sendStatus(withStatus(req, model.StatusOK, strings.Join(lines, "\n")))
}

func (d *Dispatcher) routeToDevice(req model.DispatcherRequest) {
	hash := req.GetArgs()["id"]
	w := d.devices.Get(hash)
	if w == nil {
		d.sendStatus(withStatus(req, model.StatusError, "No such device"))
		return
	}
	devReq := model.NewDeviceRequest(req.GetClient(), req.GetRequestID(), req.GetAction(), hash, req.GetArgs(), nil)
	w.Enqueue(devReq, func(what model.StatusWhat, reason string) {
		d.sendStatus(withStatus(req, what, reason))
	})
}

// Quit exits the process with code after a short pause so pending
// writes can flush. cmd/tkmcollectord does not use it: its onQuit stops
// the event loop and lets run return.
func Quit(code int) {
	time.Sleep(50 * time.Millisecond)
	os.Exit(code)
}
