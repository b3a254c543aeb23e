package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anpopa/tkmcollector/internal/config"
	"github.com/anpopa/tkmcollector/internal/db"
	"github.com/anpopa/tkmcollector/internal/device"
	"github.com/anpopa/tkmcollector/internal/eventloop"
	"github.com/anpopa/tkmcollector/internal/model"
)

type fakeSink struct {
	statuses chan statusCall
}

type statusCall struct {
	client    model.ClientHandle
	requestID string
	what      model.StatusWhat
	reason    string
}

func (f *fakeSink) SendStatus(client model.ClientHandle, requestID string, what model.StatusWhat, reason string) {
	f.statuses <- statusCall{client, requestID, what, reason}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSink, *db.Worker) {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	opts := config.Defaults()
	opts.DBFilePath = filepath.Join(t.TempDir(), "test.db")
	dbw, err := db.New(loop, opts)
	require.NoError(t, err)

	init := make(chan struct{})
	dbw.Enqueue(model.NewDatabaseRequest(0, "", model.ActionInitDatabase, "", "", map[string]string{"Forced": "true"}, nil),
		func(what model.StatusWhat, reason string) { close(init) })
	<-init

	sink := &fakeSink{statuses: make(chan statusCall, 8)}
	manager := device.NewManager()
	d := New(loop, sink, manager, dbw, nil)
	return d, sink, dbw
}

func TestDispatcherAddDeviceEchoesRequestID(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	d.Enqueue(model.NewDispatcherRequest(7, "req-1", model.ActionAddDevice, "",
		map[string]string{"name": "dev1", "address": "127.0.0.1", "port": "3357"}, nil))

	select {
	case s := <-sink.statuses:
		require.Equal(t, model.ClientHandle(7), s.client)
		require.Equal(t, "req-1", s.requestID)
		require.Equal(t, model.StatusOK, s.what)
	case <-time.After(2 * time.Second):
		t.Fatal("no status received")
	}
}

func TestDispatcherUnknownDeviceHashProducesError(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	d.Enqueue(model.NewDispatcherRequest(3, "req-2", model.ActionConnectDevice, "nosuch",
		map[string]string{"id": "nosuch"}, nil))

	select {
	case s := <-sink.statuses:
		require.Equal(t, "req-2", s.requestID)
		require.Equal(t, model.StatusError, s.what)
		require.Equal(t, "No such device", s.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no status received")
	}
}

func TestDispatcherSuppressesDuplicateStatus(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	for i := 0; i < 2; i++ {
		d.Enqueue(model.NewDispatcherRequest(1, "dup-1", model.ActionConnectDevice, "nosuch",
			map[string]string{"id": "nosuch"}, nil))
	}

	select {
	case <-sink.statuses:
	case <-time.After(2 * time.Second):
		t.Fatal("no status received")
	}

	select {
	case <-sink.statuses:
		t.Fatal("duplicate status should have been suppressed")
	case <-time.After(300 * time.Millisecond):
	}
}
