package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/anpopa/tkmcollector/internal/envelope"
	"github.com/anpopa/tkmcollector/internal/model"
)

// sendRequest dials socketPath, performs the descriptor handshake, sends
// one Request carrying action/args, and waits for the matching Status
// reply. It is the only network code in this binary; every subcommand
// funnels through it.
func sendRequest(socketPath, requestID, action string, args map[string]string) (envelope.Status, error) {
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return envelope.Status{}, fmt.Errorf("connect %s: %w", socketPath, err)
	}
	defer conn.Close()

	desc := envelope.New(model.RoleControl, model.RoleCollector, envelope.Descriptor{ID: "tkmctl", PID: int64(os.Getpid())})
	if err := envelope.WriteDescriptor(conn, desc); err != nil {
		return envelope.Status{}, fmt.Errorf("descriptor handshake: %w", err)
	}

	req := envelope.New(model.RoleControl, model.RoleCollector, envelope.Request{
		RequestID: requestID,
		Action:    action,
		Args:      args,
	})
	if err := envelope.WriteEnvelope(conn, req); err != nil {
		return envelope.Status{}, fmt.Errorf("send request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	reply, err := envelope.ReadEnvelope(r)
	if err != nil {
		return envelope.Status{}, fmt.Errorf("read reply: %w", err)
	}
	status, ok := reply.Payload.(envelope.Status)
	if !ok {
		return envelope.Status{}, fmt.Errorf("unexpected reply payload")
	}
	return status, nil
}

// printStatus renders a Status colorized by outcome and returns the
// process exit code it implies.
func printStatus(s envelope.Status) int {
	switch s.What {
	case "OK":
		color.Green("OK: %s", s.Reason)
		return 0
	case "Busy":
		color.Yellow("Busy: %s", s.Reason)
		return 0
	default:
		color.Red("Error: %s", s.Reason)
		return 1
	}
}
