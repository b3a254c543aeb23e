// Command tkmctl is the control CLI: it drives a running tkmcollectord
// over its Unix control socket, one request per invocation.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
)

// globalOpts carries flags shared by every subcommand.
type globalOpts struct {
	Socket string `short:"s" long:"socket" optional:"true" default:"tkmcollector.sock" description:"path to the collector's control socket"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	mustAddCommand(parser, "init-database", "Initialize or reset the collector's database", &initDatabaseCmd{})
	mustAddCommand(parser, "quit", "Ask the collector to shut down", &quitCmd{})
	mustAddCommand(parser, "list-devices", "List known devices", &listDevicesCmd{})
	mustAddCommand(parser, "list-sessions", "List sessions for a device", &listSessionsCmd{})
	mustAddCommand(parser, "add-device", "Register a new device", &addDeviceCmd{})
	mustAddCommand(parser, "remove-device", "Remove a known device", &removeDeviceCmd{})
	mustAddCommand(parser, "connect", "Connect to a device's monitoring agent", &connectCmd{})
	mustAddCommand(parser, "disconnect", "Disconnect from a device", &disconnectCmd{})
	mustAddCommand(parser, "start-collecting", "Start a collecting session on a device", &startCollectingCmd{})
	mustAddCommand(parser, "stop-collecting", "Stop the collecting session on a device", &stopCollectingCmd{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustAddCommand(parser *flags.Parser, name, short string, data interface{}) {
	if _, err := parser.AddCommand(name, short, short, data); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run sends one request/args pair to the collector, prints the reply,
// and exits the process with the status it implies.
func run(action string, args map[string]string) error {
	status, err := sendRequest(opts.Socket, uuid.NewString(), action, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(printStatus(status))
	return nil
}

type initDatabaseCmd struct {
	Forced bool `long:"forced" optional:"true" description:"drop and recreate every table"`
}

func (c *initDatabaseCmd) Execute(_ []string) error {
	forced := "false"
	if c.Forced {
		forced = "true"
	}
	return run("InitDatabase", map[string]string{"Forced": forced})
}

type quitCmd struct {
	Force bool `long:"force" optional:"true" description:"confirm shutting down the collector"`
}

func (c *quitCmd) Execute(_ []string) error {
	if !c.Force {
		fmt.Fprintln(os.Stderr, "Quit collector can only be used with force option")
		os.Exit(1)
	}
	return run("QuitCollector", nil)
}

type listDevicesCmd struct{}

func (c *listDevicesCmd) Execute(_ []string) error {
	return run("GetDevices", nil)
}

type listSessionsCmd struct {
	Positional struct {
		DeviceHash string `positional-arg-name:"device-hash" required:"true"`
	} `positional-args:"yes"`
}

func (c *listSessionsCmd) Execute(_ []string) error {
	return run("GetSessions", map[string]string{"id": c.Positional.DeviceHash})
}

type addDeviceCmd struct {
	Name    string `long:"name" required:"true" description:"human readable device name"`
	Address string `long:"address" required:"true" description:"device network address"`
	Port    string `long:"port" required:"true" description:"device agent port"`
	Forced  bool   `long:"forced" optional:"true" description:"replace an existing device with the same address/port"`
}

func (c *addDeviceCmd) Execute(_ []string) error {
	forced := "false"
	if c.Forced {
		forced = "true"
	}
	return run("AddDevice", map[string]string{
		"name": c.Name, "address": c.Address, "port": c.Port, "Forced": forced,
	})
}

type removeDeviceCmd struct {
	Positional struct {
		DeviceHash string `positional-arg-name:"device-hash" required:"true"`
	} `positional-args:"yes"`
}

func (c *removeDeviceCmd) Execute(_ []string) error {
	return run("RemoveDevice", map[string]string{"id": c.Positional.DeviceHash})
}

type connectCmd struct {
	Positional struct {
		DeviceHash string `positional-arg-name:"device-hash" required:"true"`
	} `positional-args:"yes"`
}

func (c *connectCmd) Execute(_ []string) error {
	return run("ConnectDevice", map[string]string{"id": c.Positional.DeviceHash})
}

type disconnectCmd struct {
	Positional struct {
		DeviceHash string `positional-arg-name:"device-hash" required:"true"`
	} `positional-args:"yes"`
}

func (c *disconnectCmd) Execute(_ []string) error {
	return run("DisconnectDevice", map[string]string{"id": c.Positional.DeviceHash})
}

type startCollectingCmd struct {
	Positional struct {
		DeviceHash string `positional-arg-name:"device-hash" required:"true"`
	} `positional-args:"yes"`
}

func (c *startCollectingCmd) Execute(_ []string) error {
	return run("StartCollecting", map[string]string{"id": c.Positional.DeviceHash})
}

type stopCollectingCmd struct {
	Positional struct {
		DeviceHash string `positional-arg-name:"device-hash" required:"true"`
	} `positional-args:"yes"`
}

func (c *stopCollectingCmd) Execute(_ []string) error {
	return run("StopCollecting", map[string]string{"id": c.Positional.DeviceHash})
}
