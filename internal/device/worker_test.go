package device

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anpopa/tkmcollector/internal/config"
	dbpkg "github.com/anpopa/tkmcollector/internal/db"
	"github.com/anpopa/tkmcollector/internal/envelope"
	"github.com/anpopa/tkmcollector/internal/eventloop"
	"github.com/anpopa/tkmcollector/internal/model"
)

// stubAgent listens once, accepts a descriptor handshake, replies to
// CreateSession with a fixed session hash, and accepts StreamState
// requests without replying (closing the connection on a
// StreamState(false) once closeAfter is signalled) — playing the part
// of E3's stub monitoring agent.
type stubAgent struct {
	ln         net.Listener
	closeAfter chan struct{}
}

func newStubAgent(t *testing.T) (*stubAgent, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := &stubAgent{ln: ln, closeAfter: make(chan struct{}, 1)}
	go a.serve(t)
	return a, ln.Addr().String()
}

func (a *stubAgent) serve(t *testing.T) {
	conn, err := a.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	// Descriptor handshake.
	if _, err := envelope.ReadDescriptor(r); err != nil {
		return
	}

	for {
		env, err := envelope.ReadEnvelope(r)
		if err != nil {
			return
		}
		switch p := env.Payload.(type) {
		case envelope.Request:
			if p.Action == "CreateSession" {
				reply := envelope.New(model.RoleMonitor, model.RoleCollector, envelope.SessionInfo{Hash: "S1"})
				_ = envelope.WriteEnvelope(conn, reply)
			}
		case envelope.StreamState:
			if !p.Enabled {
				select {
				case <-a.closeAfter:
					conn.Close()
					return
				default:
				}
			}
		}
	}
}

func newTestDBWorker(t *testing.T, loop *eventloop.Loop) *dbpkg.Worker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts := config.Defaults()
	opts.DatabaseType = config.DatabaseSQLite
	opts.DBFilePath = path

	w, err := dbpkg.New(loop, opts)
	require.NoError(t, err)

	done := make(chan struct{})
	w.Enqueue(model.NewDatabaseRequest(0, "", model.ActionInitDatabase, "", "", map[string]string{"Forced": "true"}, nil),
		func(what model.StatusWhat, reason string) {
			require.Equal(t, model.StatusOK, what, reason)
			close(done)
		})
	<-done
	return w
}

func TestE3SessionLifecycle(t *testing.T) {
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	dbw := newTestDBWorker(t, loop)
	agent, addr := newStubAgent(t)
	_ = agent

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscan(portStr, &port)
	require.NoError(t, err)

	done := make(chan struct{})
	dbw.Enqueue(model.NewDatabaseRequest(0, "", model.ActionAddDevice, "", "", map[string]string{"name": "dev1", "address": host, "port": portStr}, nil),
		func(what model.StatusWhat, reason string) {
			require.Equal(t, model.StatusOK, what, reason)
			close(done)
		})
	<-done

	devices, err := dbw.GetDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]
	require.Equal(t, uint16(port), d.Port)

	w := New(loop, dbw, d)

	connected := make(chan struct{})
	w.Enqueue(model.NewDeviceRequest(0, "", model.ActionConnectDevice, d.Hash, nil, nil), func(what model.StatusWhat, reason string) {
		require.Equal(t, model.StatusOK, what, reason)
		close(connected)
	})
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("connect timed out")
	}
	require.Equal(t, model.StateConnected, w.State())

	collecting := make(chan struct{})
	w.Enqueue(model.NewDeviceRequest(0, "", model.ActionStartCollecting, d.Hash, nil, nil), func(what model.StatusWhat, reason string) {
		require.Equal(t, model.StatusOK, what, reason)
		close(collecting)
	})
	select {
	case <-collecting:
	case <-time.After(3 * time.Second):
		t.Fatal("start collecting timed out")
	}

	require.Eventually(t, func() bool {
		return w.State() == model.StateCollecting
	}, 2*time.Second, 10*time.Millisecond)

	sessions, err := dbw.GetSessions(d.Hash)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "S1", sessions[0].Hash)
	require.True(t, sessions[0].Open())
	require.Regexp(t, `^Collector\.[0-9]+\.[0-9]+$`, sessions[0].Name)

	stopped := make(chan struct{})
	w.Enqueue(model.NewDeviceRequest(0, "", model.ActionStopCollecting, d.Hash, nil, nil), func(what model.StatusWhat, reason string) {
		require.Equal(t, model.StatusOK, what, reason)
		close(stopped)
	})
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop collecting timed out")
	}
	require.Equal(t, model.StateIdle, w.State())

	disconnected := make(chan struct{})
	w.Enqueue(model.NewDeviceRequest(0, "", model.ActionDisconnectDevice, d.Hash, nil, nil), func(what model.StatusWhat, reason string) {
		require.Equal(t, model.StatusOK, what, reason)
		close(disconnected)
	})
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect timed out")
	}
	require.Equal(t, model.StateDisconnected, w.State())

	require.Eventually(t, func() bool {
		sessions, err := dbw.GetSessions(d.Hash)
		require.NoError(t, err)
		return len(sessions) == 1 && !sessions[0].Open()
	}, 2*time.Second, 10*time.Millisecond)
}
