// Package model holds the collector's plain domain types: devices,
// sessions, and the tagged request records that flow between components.
package model

import "fmt"

// DeviceState is the device's position in the connect/stream lifecycle.
// Transitions happen exclusively inside that device's own worker.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateLoaded
	StateConnected
	StateSessionSet
	StateCollecting
	StateIdle
	StateDisconnected
	StateReconnecting
)

func (s DeviceState) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateConnected:
		return "Connected"
	case StateSessionSet:
		return "SessionSet"
	case StateCollecting:
		return "Collecting"
	case StateIdle:
		return "Idle"
	case StateDisconnected:
		return "Disconnected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Device is identified by a stable content hash over (address, port).
// At most one in-memory Device exists per Hash at any time; the device
// manager enforces that invariant.
type Device struct {
	ID      int64
	Hash    string
	Name    string
	Address string
	Port    uint16
	State   DeviceState
}

func (d Device) String() string {
	return fmt.Sprintf("Device{hash=%s name=%s addr=%s:%d state=%s}", d.Hash, d.Name, d.Address, d.Port, d.State)
}

// Session is one open data-collection interval for a device. Hash is
// assigned by the remote agent; Name is assigned locally by the worker
// handling SetSession, before the session is ever persisted.
type Session struct {
	ID       int64
	DeviceID int64
	Hash     string
	Name     string
	Started  int64
	Ended    int64
}

// Open reports whether the session has not yet been closed.
func (s Session) Open() bool {
	return s.Ended == 0
}
