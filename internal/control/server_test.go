package control

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anpopa/tkmcollector/internal/envelope"
	"github.com/anpopa/tkmcollector/internal/model"
)

func startServer(t *testing.T, dispatch Dispatch) (string, *Server, chan struct{}) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	s := NewServer(path, dispatch)
	stop := make(chan struct{})
	go s.Serve(stop)

	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return path, s, stop
}

func dialAndHandshake(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	desc := envelope.New(model.RoleControl, model.RoleCollector, envelope.Descriptor{ID: "tkmctl", PID: 1})
	require.NoError(t, envelope.WriteDescriptor(conn, desc))
	return conn
}

func TestControlRequestDispatches(t *testing.T) {
	received := make(chan model.DispatcherRequest, 1)
	path, _, stop := startServer(t, func(req model.DispatcherRequest) { received <- req })
	defer close(stop)

	conn := dialAndHandshake(t, path)
	defer conn.Close()

	req := envelope.New(model.RoleControl, model.RoleCollector, envelope.Request{
		RequestID: "r1",
		Action:    "AddDevice",
		Args:      map[string]string{"name": "dev1", "address": "127.0.0.1", "port": "3357"},
	})
	require.NoError(t, envelope.WriteEnvelope(conn, req))

	select {
	case got := <-received:
		require.Equal(t, "r1", got.GetRequestID())
		require.Equal(t, model.ActionAddDevice, got.GetAction())
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch not called")
	}
}

func TestSendStatusEchoesRequestID(t *testing.T) {
	var srv *Server
	path, s, stop := startServer(t, func(req model.DispatcherRequest) {
		srv.SendStatus(req.GetClient(), req.GetRequestID(), model.StatusOK, "Device added")
	})
	srv = s
	defer close(stop)

	conn := dialAndHandshake(t, path)
	defer conn.Close()

	req := envelope.New(model.RoleControl, model.RoleCollector, envelope.Request{RequestID: "r42", Action: "GetDevices"})
	require.NoError(t, envelope.WriteEnvelope(conn, req))

	r := bufio.NewReader(conn)
	env, err := envelope.ReadEnvelope(r)
	require.NoError(t, err)
	status, ok := env.Payload.(envelope.Status)
	require.True(t, ok)
	require.Equal(t, "r42", status.RequestID)
	require.Equal(t, "OK", status.What)
}

func TestDescriptorHandshakeTimeoutClosesClient(t *testing.T) {
	path, _, stop := startServer(t, func(model.DispatcherRequest) {})
	defer close(stop)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	// Send nothing; the server must close us after its 3s deadline,
	// and must remain able to accept a fresh, well-behaved client
	// (E5).
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)

	conn2 := dialAndHandshake(t, path)
	defer conn2.Close()
}
