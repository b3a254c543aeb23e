// Package control implements the Unix-domain control server and the
// per-client control reader that turns incoming envelopes into
// DispatcherRequests.
package control

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anpopa/tkmcollector/internal/envelope"
	"github.com/anpopa/tkmcollector/internal/logging"
	"github.com/anpopa/tkmcollector/internal/model"
)

// descriptorTimeout bounds the synchronous read of a new client's
// descriptor; this is the only synchronous read in the system.
const descriptorTimeout = 3 * time.Second

// Dispatch is called for every well-formed control request decoded off
// a client connection.
type Dispatch func(model.DispatcherRequest)

// Server accepts local control connections, authenticates each by
// descriptor, and hands the connection off to a per-client reader
// registered with the event loop's goroutine model (one goroutine per
// client connection, forwarding decoded requests to dispatch).
type Server struct {
	socketPath string
	dispatch   Dispatch
	log        *logrus.Entry

	ln       *net.UnixListener
	nextID   uint64
	mu       sync.Mutex
	clients  map[model.ClientHandle]net.Conn
}

// NewServer returns a Server bound to socketPath once Serve is called.
func NewServer(socketPath string, dispatch Dispatch) *Server {
	return &Server{
		socketPath: socketPath,
		dispatch:   dispatch,
		log:        logging.New("control"),
		clients:    make(map[model.ClientHandle]net.Conn),
	}
}

// Serve binds the control socket and accepts connections until
// stopCh is closed. Bind/listen failure is fatal-startup per the
// specification's error taxonomy, so it is returned rather than
// retried.
func (s *Server) Serve(stopCh <-chan struct{}) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-stopCh
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return nil
			default:
				s.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(descriptorTimeout))
	desc, err := envelope.ReadDescriptor(conn)
	if err != nil {
		s.log.WithError(err).Debug("client failed descriptor handshake, closing")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if d, ok := desc.Payload.(envelope.Descriptor); ok {
		s.log.WithField("client_pid", d.PID).Debug("control client connected")
	}

	handle := model.ClientHandle(atomic.AddUint64(&s.nextID, 1))
	s.mu.Lock()
	s.clients[handle] = conn
	s.mu.Unlock()

	s.readClient(handle, conn)
}

func (s *Server) readClient(handle model.ClientHandle, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, handle)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		env, err := envelope.ReadEnvelope(r)
		if err != nil {
			return
		}
		if env.Origin != model.RoleControl {
			continue
		}
		req, ok := env.Payload.(envelope.Request)
		if !ok {
			continue
		}
		action := actionFromWire(req.Action)
		if action == model.ActionUnknown {
			s.log.WithField("action", req.Action).Warn("unrecognised control action, dropping")
			continue
		}
		s.dispatch(model.NewDispatcherRequest(handle, req.RequestID, action, req.Args["id"], req.Args, nil))
	}
}

// SendStatus writes a Status envelope to the client identified by
// handle, if it is still connected. This is the collector's only
// outward-visible error/success channel.
func (s *Server) SendStatus(client model.ClientHandle, requestID string, what model.StatusWhat, reason string) {
	s.mu.Lock()
	conn, ok := s.clients[client]
	s.mu.Unlock()
	if !ok {
		return
	}
	env := envelope.New(model.RoleCollector, model.RoleControl, envelope.Status{
		What:      what.String(),
		Reason:    reason,
		RequestID: requestID,
	})
	if err := envelope.WriteEnvelope(conn, env); err != nil {
		s.log.WithError(err).Debug("failed to write status to client")
	}
}

var wireActions = map[string]model.Action{
	"InitDatabase":     model.ActionInitDatabase,
	"QuitCollector":    model.ActionQuitCollector,
	"GetDevices":       model.ActionGetDevices,
	"GetSessions":      model.ActionGetSessions,
	"AddDevice":        model.ActionAddDevice,
	"RemoveDevice":     model.ActionRemoveDevice,
	"ConnectDevice":    model.ActionConnectDevice,
	"DisconnectDevice": model.ActionDisconnectDevice,
	"StartCollecting":  model.ActionStartCollecting,
	"StopCollecting":   model.ActionStopCollecting,
	"RequestSession":   model.ActionRequestSession,
}

func actionFromWire(name string) model.Action {
	if a, ok := wireActions[name]; ok {
		return a
	}
	return model.ActionUnknown
}
